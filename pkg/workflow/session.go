// Package workflow holds the per-session state machine. Sessions are plain
// values round-tripped by the host between interactions; the engine never
// keeps a decoded raster across calls.
package workflow

import (
	"image"
	"time"

	"github.com/menta2k/dish-counter/pkg/types"
)

// Page is the top-level screen
type Page string

const (
	PageHome Page = "home"
	PageApp  Page = "app"
)

// Stage is the sub-state of the app page, derived from the held buffers
type Stage string

const (
	StageEmpty    Stage = "empty"
	StageCropping Stage = "cropping"
	StageDetected Stage = "detected"
)

// Source tells how the image entered the session
type Source string

const (
	SourceUpload Source = "upload"
	SourceCamera Source = "camera"
)

// Valid reports whether s is a known source
func (s Source) Valid() bool {
	return s == SourceUpload || s == SourceCamera
}

// noModel marks a session on which no model has been selected yet
const noModel = -1

// Session is the explicit state of one interactive session
type Session struct {
	ID   string `json:"id"`
	Page Page   `json:"page"`

	Image  []byte `json:"image,omitempty"`
	Source Source `json:"source,omitempty"`
	// Width and Height of the orientation-corrected image
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// Preview is the bounded display copy, WebP encoded
	Preview       []byte  `json:"preview,omitempty"`
	PreviewWidth  int     `json:"preview_width,omitempty"`
	PreviewHeight int     `json:"preview_height,omitempty"`
	PreviewScale  float64 `json:"preview_scale,omitempty"`

	// Selection is in full-resolution coordinates; nil means the whole image
	Selection *types.Selection `json:"selection,omitempty"`

	ModelIndex int             `json:"model_index"`
	PrevModel  int             `json:"prev_model"`
	Params     types.RunParams `json:"params"`

	Artifact     []byte `json:"artifact,omitempty"`
	ArtifactName string `json:"artifact_name,omitempty"`
	Count        int    `json:"count"`
	ResultModel  string `json:"result_model,omitempty"`
	// ResultAt is the instant stamped on the artifact and its name
	ResultAt time.Time `json:"result_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultParams are the run parameters before any model is selected
func DefaultParams() types.RunParams {
	return types.RunParams{
		InputSize:  1024,
		Confidence: 0.20,
		NMS:        0.45,
		ShowLabels: false,
	}
}

// NewSession creates a session on the home page
func NewSession(id string) *Session {
	return &Session{
		ID:        id,
		Page:      PageHome,
		PrevModel: noModel,
		Params:    DefaultParams(),
		UpdatedAt: time.Now(),
	}
}

// Stage derives the app sub-state
func (s *Session) Stage() Stage {
	switch {
	case len(s.Image) == 0:
		return StageEmpty
	case len(s.Artifact) == 0:
		return StageCropping
	default:
		return StageDetected
	}
}

// ImageBounds returns the full-resolution image rectangle
func (s *Session) ImageBounds() image.Rectangle {
	return image.Rect(0, 0, s.Width, s.Height)
}

// clone copies the session. Byte buffers are never mutated in place, so they
// are shared.
func (s *Session) clone() *Session {
	c := *s
	if s.Selection != nil {
		sel := *s.Selection
		c.Selection = &sel
	}
	return &c
}

func (s *Session) clearResult() {
	s.Artifact = nil
	s.ArtifactName = ""
	s.Count = 0
	s.ResultModel = ""
	s.ResultAt = time.Time{}
}
