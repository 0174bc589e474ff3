package configdb

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/gridwatch/pkg/topology"
	"gorm.io/gorm"
)

var ErrStreamNotFound = errors.New("stream not found")

// Returns all streams, ordered by ID
func (c *ConfigDB) Streams() ([]Stream, error) {
	streams := []Stream{}
	if err := c.DB.Order("id").Find(&streams).Error; err != nil {
		return nil, err
	}
	return streams, nil
}

// Returns the streams that should be analyzed, ordered by ID
func (c *ConfigDB) ActiveStreams() ([]Stream, error) {
	streams := []Stream{}
	if err := c.DB.Where("active = ?", true).Order("id").Find(&streams).Error; err != nil {
		return nil, err
	}
	return streams, nil
}

func (c *ConfigDB) GetStreamFromID(id int64) (*Stream, error) {
	stream := Stream{}
	err := c.DB.First(&stream, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStreamNotFound, id)
	} else if err != nil {
		return nil, err
	}
	return &stream, nil
}

// Insert the stream if its ID is zero, otherwise overwrite the existing record.
// On insert, the new ID is written back into s.
func (c *ConfigDB) SaveStream(s *Stream) error {
	if s.AddedAt.IsZero() {
		s.AddedAt = dbh.MakeIntTime(time.Now())
	}
	return c.DB.Save(s).Error
}

func (c *ConfigDB) DeleteStream(id int64) error {
	res := c.DB.Delete(&Stream{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %v", ErrStreamNotFound, id)
	}
	return nil
}

// SeedSimulatedStreams creates n simulated streams laid out row-major in a grid of the given width.
// This only happens once per database, and only if there are no streams already.
// Returns true if the streams were created.
func (c *ConfigDB) SeedSimulatedStreams(n, columns int) (bool, error) {
	if n <= 0 {
		return false, nil
	}
	seeded := false
	err := c.DB.Transaction(func(tx *gorm.DB) error {
		v := Variable{}
		if err := tx.Where("key = ?", string(VarSimulatedStreamsSeeded)).Limit(1).Find(&v).Error; err != nil {
			return err
		}
		if v.Value != "" {
			return nil
		}
		count := int64(0)
		if err := tx.Model(&Stream{}).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			now := dbh.MakeIntTime(time.Now())
			for i := 0; i < n; i++ {
				row, col := topology.GridPosition(i, columns)
				s := &Stream{
					Source:  "simulated",
					Name:    fmt.Sprintf("Drone Cam %v", i+1),
					Row:     row,
					Col:     col,
					Active:  true,
					AddedAt: now,
				}
				if err := tx.Create(s).Error; err != nil {
					return err
				}
			}
			seeded = true
		}
		return setVariable(tx, VarSimulatedStreamsSeeded, "1")
	})
	if seeded {
		c.Log.Infof("Created %v simulated streams", n)
	}
	return seeded, err
}
