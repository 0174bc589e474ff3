package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// File types that source.OpenCapture can play
var uploadExtensions = map[string]bool{
	".mjpeg": true,
	".mjpg":  true,
	".jpg":   true,
	".jpeg":  true,
}

// Accepts a multipart form with a "file" field, and optional "name", "row" and "col" fields.
// The file is stored in the upload directory, and added as a new stream. The upload is
// deleted again if the stream cannot be created.
func (s *Server) httpStreamsUpload(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.config.MaxUploadMB)*1024*1024)
	if err := r.ParseMultipartForm(32 * 1024 * 1024); err != nil {
		www.PanicBadRequestf("Invalid upload: %v", err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		www.PanicBadRequestf("Missing 'file' in upload: %v", err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !uploadExtensions[ext] {
		www.PanicBadRequestf("Unsupported file type '%v'. Upload an MJPEG or JPEG file", header.Filename)
	}

	req := saveStreamRequest{
		Name: r.FormValue("name"),
		Row:  formInt(r, "row"),
		Col:  formInt(r, "col"),
	}
	if req.Name == "" {
		req.Name = "Uploaded: " + header.Filename
	}

	www.Check(os.MkdirAll(s.config.UploadDir, 0755))
	dst, err := os.CreateTemp(s.config.UploadDir, "upload-*"+ext)
	www.Check(err)
	req.Source = dst.Name()
	_, err = io.Copy(dst, file)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(req.Source)
		www.Check(fmt.Errorf("Failed to save upload: %w", err))
	}

	saved := false
	defer func() {
		if !saved {
			os.Remove(req.Source)
		}
	}()
	st := s.saveStream(&req)
	saved = true
	s.Log.Infof("Uploaded %v (%v bytes) as stream %v", header.Filename, header.Size, st.ID)
	www.SendJSON(w, st)
}

// Returns nil if the form field is absent
func formInt(r *http.Request, key string) *int {
	v := r.FormValue(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		www.PanicBadRequestf("%v must be an integer", key)
	}
	return &i
}

// Delete the file of a stream, if it was uploaded
func (s *Server) removeUpload(source string) {
	rel, err := filepath.Rel(s.config.UploadDir, source)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return
	}
	if err := os.Remove(source); err != nil && !os.IsNotExist(err) {
		s.Log.Warnf("Failed to delete upload %v: %v", source, err)
	}
}
