// Package postprocess applies the confidence floor, non maximum suppression
// and detection cap for backends that return raw candidate boxes.
package postprocess

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/menta2k/dish-counter/pkg/types"
)

// Params mirrors the thresholds a YOLO runtime applies internally
type Params struct {
	Confidence    float64
	IoU           float64
	MaxDetections int
	// Agnostic suppresses overlapping boxes across classes
	Agnostic bool
}

// Apply filters by confidence, runs NMS and caps the result. The returned
// slice is ordered by descending confidence.
func Apply(dets []types.Detection, p Params) []types.Detection {
	return Limit(NMS(Filter(dets, p.Confidence), p.IoU, p.Agnostic), p.MaxDetections)
}

// Filter drops candidates below the confidence floor
func Filter(dets []types.Detection, conf float64) []types.Detection {
	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= conf {
			out = append(out, d)
		}
	}
	return out
}

// NMS applies non maximum supression to detection results
func NMS(dets []types.Detection, iouThresh float64, agnostic bool) []types.Detection {
	if len(dets) == 0 {
		return dets
	}

	order := sortByConfidence(dets)
	keep := make([]types.Detection, 0, len(dets))
	used := make([]bool, len(dets))

	for a, i := range order {
		if used[i] {
			continue
		}
		keep = append(keep, dets[i])

		for _, j := range order[a+1:] {
			if used[j] {
				continue
			}
			if !agnostic && dets[i].Class != dets[j].Class {
				continue
			}
			if IoU(dets[i].Box, dets[j].Box) > iouThresh {
				used[j] = true
			}
		}
	}
	return keep
}

// Limit keeps at most n highest-confidence detections
func Limit(dets []types.Detection, n int) []types.Detection {
	if n <= 0 || len(dets) <= n {
		return dets
	}
	order := sortByConfidence(dets)
	out := make([]types.Detection, 0, n)
	for _, i := range order[:n] {
		out = append(out, dets[i])
	}
	return out
}

// IoU works out the Intersection of Union value of two boxes
func IoU(a, b types.Box) float64 {
	w := math.Max(0, float64(min(a.Right, b.Right)-max(a.Left, b.Left)))
	h := math.Max(0, float64(min(a.Bottom, b.Bottom)-max(a.Top, b.Top)))
	intersection := w * h

	union := float64(a.Area()+b.Area()) - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// sortByConfidence returns detection indices in descending confidence order
func sortByConfidence(dets []types.Detection) []int {
	scores := make([]float64, len(dets))
	for i, d := range dets {
		scores[i] = d.Confidence
	}
	inds := make([]int, len(dets))
	floats.Argsort(scores, inds)

	// Argsort is ascending
	for l, r := 0, len(inds)-1; l < r; l, r = l+1, r-1 {
		inds[l], inds[r] = inds[r], inds[l]
	}
	return inds
}
