package configdb

import (
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func createTestDB(t *testing.T) *ConfigDB {
	db, err := NewConfigDB(logs.NewTestingLog(t), filepath.Join(t.TempDir(), "test-configdb.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStreamCRUD(t *testing.T) {
	db := createTestDB(t)
	streams, err := db.Streams()
	require.NoError(t, err)
	require.Empty(t, streams)

	a := &Stream{Source: "simulated", Name: "A", Row: 0, Col: 0, Active: true}
	require.NoError(t, db.SaveStream(a))
	require.Equal(t, int64(1), a.ID)
	require.False(t, a.AddedAt.IsZero())

	b := &Stream{Source: "/tmp/clip.mjpeg", Name: "B", Row: 0, Col: 1, Active: false}
	require.NoError(t, db.SaveStream(b))

	streams, err = db.Streams()
	require.NoError(t, err)
	require.Len(t, streams, 2)
	require.Equal(t, "A", streams[0].Name)
	require.Equal(t, 1, streams[1].Col)

	active, err := db.ActiveStreams()
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, a.ID, active[0].ID)

	// Update in place
	b.Active = true
	b.Name = "B2"
	require.NoError(t, db.SaveStream(b))
	got, err := db.GetStreamFromID(b.ID)
	require.NoError(t, err)
	require.Equal(t, "B2", got.Name)
	require.True(t, got.Active)

	require.NoError(t, db.DeleteStream(a.ID))
	require.ErrorIs(t, db.DeleteStream(a.ID), ErrStreamNotFound)
	_, err = db.GetStreamFromID(a.ID)
	require.ErrorIs(t, err, ErrStreamNotFound)
}

func TestActiveStreamsMayNotShareACell(t *testing.T) {
	db := createTestDB(t)
	require.NoError(t, db.SaveStream(&Stream{Source: "simulated", Row: 1, Col: 1, Active: true}))
	require.Error(t, db.SaveStream(&Stream{Source: "simulated", Row: 1, Col: 1, Active: true}))
	// Inactive streams are not part of the grid
	require.NoError(t, db.SaveStream(&Stream{Source: "simulated", Row: 1, Col: 1, Active: false}))
}

func TestSeedSimulatedStreams(t *testing.T) {
	db := createTestDB(t)
	seeded, err := db.SeedSimulatedStreams(6, 3)
	require.NoError(t, err)
	require.True(t, seeded)

	streams, err := db.Streams()
	require.NoError(t, err)
	require.Len(t, streams, 6)
	require.Equal(t, "Drone Cam 1", streams[0].Name)
	require.Equal(t, "Drone Cam 6", streams[5].Name)
	require.Equal(t, "simulated", streams[5].Source)
	require.Equal(t, 1, streams[5].Row)
	require.Equal(t, 2, streams[5].Col)
	require.Equal(t, 1, streams[3].Row)
	require.Equal(t, 0, streams[3].Col)

	// Only once, even if every stream is deleted
	for _, s := range streams {
		require.NoError(t, db.DeleteStream(s.ID))
	}
	seeded, err = db.SeedSimulatedStreams(6, 3)
	require.NoError(t, err)
	require.False(t, seeded)
	v, err := db.GetVariable(VarSimulatedStreamsSeeded)
	require.NoError(t, err)
	require.Equal(t, "1", v)
}

func TestSeedSkipsExistingStreams(t *testing.T) {
	db := createTestDB(t)
	require.NoError(t, db.SaveStream(&Stream{Source: "http://camera/video", Active: true}))
	seeded, err := db.SeedSimulatedStreams(6, 3)
	require.NoError(t, err)
	require.False(t, seeded)
	streams, _ := db.Streams()
	require.Len(t, streams, 1)
}

func TestVariables(t *testing.T) {
	db := createTestDB(t)
	v, err := db.GetVariable("missing")
	require.NoError(t, err)
	require.Equal(t, "", v)
	require.NoError(t, db.SetVariable("x", "1"))
	require.NoError(t, db.SetVariable("x", "2"))
	v, err = db.GetVariable("x")
	require.NoError(t, err)
	require.Equal(t, "2", v)
}
