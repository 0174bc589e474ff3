package eventdb

import "github.com/cyclopcam/dbh"

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Crossing is a record of a track moving from one screen to another
type Crossing struct {
	BaseModel
	Time           dbh.IntTime `json:"time"`
	TrackID        int64       `json:"trackID"`
	FromStream     int64       `json:"fromStream"`
	ToStream       int64       `json:"toStream"`
	VX             float64     `json:"vx" gorm:"column:vx"` // Pixels per second, at the time of the crossing
	VY             float64     `json:"vy" gorm:"column:vy"`
	ScreensCrossed int         `json:"screensCrossed"` // Total for the track, including this crossing
}
