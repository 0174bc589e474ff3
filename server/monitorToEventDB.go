package server

import (
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/gridwatch/pkg/gen"
	"github.com/cyclopcam/gridwatch/server/eventdb"
	"github.com/cyclopcam/gridwatch/server/monitor"
)

// It doesn't seem right to make 'eventdb' dependent on 'monitor' or vice versa,
// so we hook them up via this intermediate thread here.
func (s *Server) attachMonitorToEventDB() {
	incoming := s.monitor.AddCrossingWatcher()
	go func() {
		s.Log.Infof("Monitor -> EventDB thread starting")
		keepRunning := true
		for keepRunning {
			select {
			case <-s.monitorStopped:
				keepRunning = false
			case ev := <-incoming:
				s.saveCrossing(ev)
			}
		}
		// Flush whatever the monitor emitted before it stopped
		for _, ev := range gen.DrainChannelIntoSlice(incoming) {
			s.saveCrossing(ev)
		}
		s.monitor.RemoveCrossingWatcher(incoming)
		s.Log.Infof("Monitor -> EventDB thread exiting")
		close(s.monitorToEventDBClosed)
	}()
}

func (s *Server) saveCrossing(ev *monitor.CrossingEvent) {
	rec := &eventdb.Crossing{
		Time:           dbh.MakeIntTime(ev.Time),
		TrackID:        ev.TrackID,
		FromStream:     ev.FromStream,
		ToStream:       ev.ToStream,
		VX:             ev.Velocity.VX,
		VY:             ev.Velocity.VY,
		ScreensCrossed: ev.ScreensCrossed,
	}
	if err := s.eventDB.AddCrossing(rec); err != nil {
		s.Log.Errorf("Failed to save crossing of track %v from stream %v to %v: %v", ev.TrackID, ev.FromStream, ev.ToStream, err)
	}
}
