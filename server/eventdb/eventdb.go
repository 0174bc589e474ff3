package eventdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

const (
	DefaultRetention = 7 * 24 * time.Hour
	purgeInterval    = time.Minute
)

// EventDB stores the history of screen crossings
type EventDB struct {
	Log logs.Log
	DB  *gorm.DB

	retention     time.Duration
	maxEventCount int64 // If more than this many records exist, the oldest are deleted

	purgeLock sync.Mutex
	lastPurge time.Time
}

// Open or create an event DB.
// Records older than retention are deleted. If retention is zero, DefaultRetention is used.
func NewEventDB(logger logs.Log, dbFilename string, retention time.Duration) (*EventDB, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	os.MkdirAll(filepath.Dir(dbFilename), 0777)
	eventDB, err := dbh.OpenDB(logger, dbh.MakeSqliteConfig(dbFilename), Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbFilename, err)
	}
	return &EventDB{
		Log:           logger,
		DB:            eventDB,
		retention:     retention,
		maxEventCount: 1000000,
	}, nil
}

func (e *EventDB) Close() error {
	sqlDB, err := e.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (e *EventDB) AddCrossing(c *Crossing) error {
	e.purgeOldRecords()
	if c.Time.IsZero() {
		c.Time = dbh.MakeIntTime(time.Now())
	}
	return e.DB.Create(c).Error
}

// Returns the most recent crossings, newest first
func (e *EventDB) RecentCrossings(limit int) ([]Crossing, error) {
	if limit <= 0 {
		limit = 100
	}
	crossings := []Crossing{}
	if err := e.DB.Order("time DESC, id DESC").Limit(limit).Find(&crossings).Error; err != nil {
		return nil, err
	}
	return crossings, nil
}

// Returns every crossing of a track, oldest first
func (e *EventDB) CrossingsForTrack(trackID int64) ([]Crossing, error) {
	crossings := []Crossing{}
	if err := e.DB.Where("track_id = ?", trackID).Order("time, id").Find(&crossings).Error; err != nil {
		return nil, err
	}
	return crossings, nil
}

// Delete expired records. This runs at most once per purgeInterval.
func (e *EventDB) purgeOldRecords() {
	e.purgeLock.Lock()
	if time.Since(e.lastPurge) < purgeInterval {
		e.purgeLock.Unlock()
		return
	}
	e.lastPurge = time.Now()
	e.purgeLock.Unlock()

	if err := e.Purge(time.Now()); err != nil {
		e.Log.Errorf("Failed to purge old crossings: %v", err)
	}
}

// Delete records that are older than the retention period, relative to now.
// If there are still too many records, the oldest are deleted.
func (e *EventDB) Purge(now time.Time) error {
	oldest := dbh.MakeIntTime(now.Add(-e.retention))
	res := e.DB.Where("time < ?", oldest).Delete(&Crossing{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 0 {
		e.Log.Infof("Purged %v crossings older than %v", res.RowsAffected, e.retention)
	}

	count := int64(0)
	if err := e.DB.Model(&Crossing{}).Count(&count).Error; err != nil {
		return err
	}
	if count > e.maxEventCount {
		excess := count - e.maxEventCount
		return e.DB.Exec("DELETE FROM crossing WHERE id IN (SELECT id FROM crossing ORDER BY time, id LIMIT ?)", excess).Error
	}
	return nil
}
