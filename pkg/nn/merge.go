package nn

import (
	"slices"

	flatbush "github.com/bmharper/flatbush-go"
)

// Scan all pairs of boxes in 'input', and if two boxes of the same class have an
// IoU of at least minIoU, discard the one with the lower confidence.
// Returns the indices of the boxes that should be retained, in their original order.
func SuppressOverlapping(input []BoundingBox, minIoU float32) []int {
	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, b := range input {
		fb.Add(b.Int32())
	}
	fb.Finish()

	// Visit the most confident boxes first, so that they win every contest they enter
	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if input[a].Confidence > input[b].Confidence {
			return -1
		} else if input[a].Confidence < input[b].Confidence {
			return 1
		}
		return 0
	})

	deleted := make([]bool, len(input))
	nearby := []int{}
	for _, i := range order {
		if deleted[i] {
			continue
		}
		in := &input[i]
		x1, y1, x2, y2 := in.Int32()
		nearby = fb.SearchFast(x1, y1, x2, y2, nearby)
		for _, j := range nearby {
			if i == j || deleted[j] || input[j].Class != in.Class {
				continue
			}
			if in.IOU(input[j].Rect) >= minIoU {
				deleted[j] = true
			}
		}
	}

	retain := make([]int, 0, len(input))
	for i := range input {
		if !deleted[i] {
			retain = append(retain, i)
		}
	}
	return retain
}
