package client

import (
	"context"
)

// Candidate is an object reported by a vision-language model. Box
// coordinates are normalized to [0,1] of the image sent.
type Candidate struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        NormBox `json:"box"`
}

// NormBox is a top-left anchored box in normalized coordinates
type NormBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type VisionClient interface {
	DetectObjects(ctx context.Context, model, prompt, imgB64 string) ([]Candidate, error)
}
