// Package topology maps streams onto cells of a fixed screen grid, and answers
// neighbor questions about that grid.
package topology

import (
	"errors"
	"fmt"
	"slices"
)

var ErrDuplicatePosition = errors.New("duplicate screen position")

// Direction of an edge of a screen
type Direction int

const (
	Left Direction = iota
	Right
	Top
	Bottom
)

func (d Direction) String() string {
	switch d {
	case Left:
		return "left"
	case Right:
		return "right"
	case Top:
		return "top"
	case Bottom:
		return "bottom"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Row and column offset of the neighbor in direction d
func (d Direction) Offset() (dRow, dCol int) {
	switch d {
	case Left:
		return 0, -1
	case Right:
		return 0, 1
	case Top:
		return -1, 0
	case Bottom:
		return 1, 0
	}
	return 0, 0
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "left":
		return Left, nil
	case "right":
		return Right, nil
	case "top":
		return Top, nil
	case "bottom":
		return Bottom, nil
	}
	return 0, fmt.Errorf("invalid direction '%v'", s)
}

// ScreenPosition places a stream on a grid cell
type ScreenPosition struct {
	StreamID int64 `json:"streamID"`
	Row      int   `json:"row"`
	Col      int   `json:"col"`
}

type cell struct {
	row, col int
}

// Topology is immutable once built, so it can be shared freely between goroutines.
type Topology struct {
	positions map[int64]ScreenPosition
	cells     map[cell]int64
	ids       []int64 // sorted
}

// New builds a topology. No two streams may share a cell, and a stream may only appear once.
func New(positions []ScreenPosition) (*Topology, error) {
	t := &Topology{
		positions: make(map[int64]ScreenPosition, len(positions)),
		cells:     make(map[cell]int64, len(positions)),
	}
	for _, p := range positions {
		if _, exists := t.positions[p.StreamID]; exists {
			return nil, fmt.Errorf("%w: stream %v listed more than once", ErrDuplicatePosition, p.StreamID)
		}
		c := cell{p.Row, p.Col}
		if other, taken := t.cells[c]; taken {
			return nil, fmt.Errorf("%w: streams %v and %v both at row %v, col %v", ErrDuplicatePosition, other, p.StreamID, p.Row, p.Col)
		}
		t.positions[p.StreamID] = p
		t.cells[c] = p.StreamID
		t.ids = append(t.ids, p.StreamID)
	}
	slices.Sort(t.ids)
	return t, nil
}

// GridPosition returns the cell of the index'th stream when streams are laid out row-major.
func GridPosition(index, columns int) (row, col int) {
	if columns <= 0 {
		columns = 1
	}
	return index / columns, index % columns
}

// FromGrid lays out ids row-major with the given number of columns.
func FromGrid(ids []int64, columns int) (*Topology, error) {
	positions := make([]ScreenPosition, len(ids))
	for i, id := range ids {
		row, col := GridPosition(i, columns)
		positions[i] = ScreenPosition{StreamID: id, Row: row, Col: col}
	}
	return New(positions)
}

func (t *Topology) Position(streamID int64) (ScreenPosition, bool) {
	p, ok := t.positions[streamID]
	return p, ok
}

// At returns the stream occupying the given cell
func (t *Topology) At(row, col int) (int64, bool) {
	id, ok := t.cells[cell{row, col}]
	return id, ok
}

// Neighbor returns the stream that shares the given edge of streamID's screen.
func (t *Topology) Neighbor(streamID int64, dir Direction) (int64, bool) {
	p, ok := t.positions[streamID]
	if !ok {
		return 0, false
	}
	dr, dc := dir.Offset()
	return t.At(p.Row+dr, p.Col+dc)
}

// Adjacent returns all streams in the 8 cells surrounding streamID, in stream ID order.
func (t *Topology) Adjacent(streamID int64) []int64 {
	p, ok := t.positions[streamID]
	if !ok {
		return nil
	}
	var result []int64
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if dr == 0 && dc == 0 {
				continue
			}
			if id, ok := t.At(p.Row+dr, p.Col+dc); ok {
				result = append(result, id)
			}
		}
	}
	slices.Sort(result)
	return result
}

// Offset returns the grid displacement from one stream's cell to another's.
func (t *Topology) Offset(from, to int64) (dRow, dCol int, ok bool) {
	a, okA := t.positions[from]
	b, okB := t.positions[to]
	if !okA || !okB {
		return 0, 0, false
	}
	return b.Row - a.Row, b.Col - a.Col, true
}

// Streams returns all stream IDs in ascending order
func (t *Topology) Streams() []int64 {
	return slices.Clone(t.ids)
}

func (t *Topology) Positions() []ScreenPosition {
	r := make([]ScreenPosition, 0, len(t.ids))
	for _, id := range t.ids {
		r = append(r, t.positions[id])
	}
	return r
}

func (t *Topology) Len() int {
	return len(t.ids)
}
