package configdb

import "github.com/cyclopcam/dbh"

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// SYNC-RECORD-STREAM
type Stream struct {
	BaseModel
	Source  string      `json:"source"`                     // Descriptor such as "simulated", a directory, an .mjpeg file or an http:// URL
	Name    string      `json:"name"`                       // Friendly name
	Row     int         `json:"row" gorm:"column:grid_row"` // Position in the screen grid
	Col     int         `json:"col" gorm:"column:grid_col"`
	Active  bool        `json:"active"`                     // Inactive streams are kept, but not analyzed
	AddedAt dbh.IntTime `json:"addedAt" gorm:"default:null"`
}

type Variable struct {
	Key   string `gorm:"primaryKey" json:"key"`
	Value string `json:"value"`
}
