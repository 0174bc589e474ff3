// Package nn is the object detection interface layer.
// Detectors live outside this package; everything in here is plain data
// and geometry shared by detectors, the tracker, and the API.
package nn

import (
	"encoding/json"
	"strconv"

	"github.com/bmharper/cimg/v2"
)

const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.45

// OptionalTrackID is a track identifier that a detector may or may not supply.
type OptionalTrackID struct {
	ID    int64
	Valid bool
}

func SomeTrackID(id int64) OptionalTrackID {
	return OptionalTrackID{ID: id, Valid: true}
}

// Absent IDs are encoded as null
func (t OptionalTrackID) MarshalJSON() ([]byte, error) {
	if !t.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, t.ID, 10), nil
}

func (t *OptionalTrackID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = OptionalTrackID{}
		return nil
	}
	var id int64
	if err := json.Unmarshal(b, &id); err != nil {
		return err
	}
	*t = SomeTrackID(id)
	return nil
}

// BoundingBox is a single object found by a detector, in the pixel
// coordinates of the frame it was found in.
type BoundingBox struct {
	Rect
	Confidence float32         `json:"confidence"`
	Class      string          `json:"class"`
	TrackID    OptionalTrackID `json:"trackID"`
}

// Detector finds objects in a frame.
// When track is true, the detector should try to assign persistent track IDs
// to the boxes it returns. A detector that cannot do so leaves TrackID invalid.
// Detect is only ever called from one goroutine at a time.
type Detector interface {
	Detect(img *cimg.Image, streamID int64, track bool) ([]BoundingBox, error)
}

// DetectorFunc adapts an ordinary function to the Detector interface
type DetectorFunc func(img *cimg.Image, streamID int64, track bool) ([]BoundingBox, error)

func (f DetectorFunc) Detect(img *cimg.Image, streamID int64, track bool) ([]BoundingBox, error) {
	return f(img, streamID, track)
}
