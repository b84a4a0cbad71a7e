// Package detection defines the contract with the object-detection model and
// the invoker that turns a model response into a count and a display-ready
// render.
package detection

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/menta2k/dish-counter/pkg/types"
)

// Default request values of the reference application
const (
	DefaultLineWidth     = 1
	DefaultMaxDetections = 1000
)

// ChannelOrder describes the byte order of a 3-channel Raster
type ChannelOrder int

const (
	RGB ChannelOrder = iota
	BGR
)

func (o ChannelOrder) String() string {
	if o == BGR {
		return "bgr"
	}
	return "rgb"
}

// Raster is a packed 3-byte-per-pixel render as produced by native detector
// runtimes.
type Raster struct {
	Pix    []byte
	Width  int
	Height int
	Order  ChannelOrder
}

// Request is sent to the model for one inference
type Request struct {
	Image         image.Image
	ImageSize     int
	LineWidth     int
	Confidence    float64
	IoU           float64
	MaxDetections int
	ShowLabels    bool
}

// Response is returned by the model. Plot is optional; models that cannot
// render leave it nil and the invoker draws the boxes itself.
type Response struct {
	Detections []types.Detection
	Plot       *Raster
	ClassNames []string
}

// Model is the opaque inference engine
type Model interface {
	Predict(ctx context.Context, req Request) (*Response, error)
}

// InferenceError reports a failed detection run
type InferenceError struct {
	Model string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference with %s failed: %v", e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

var errBadRaster = errors.New("plot raster size does not match its dimensions")

// ToNRGBA converts the raster to display-standard RGB ordering.
func (r *Raster) ToNRGBA() (*image.NRGBA, error) {
	if r.Width <= 0 || r.Height <= 0 || len(r.Pix) < r.Width*r.Height*3 {
		return nil, errBadRaster
	}
	dst := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
	ri, bi := 0, 2
	if r.Order == BGR {
		ri, bi = 2, 0
	}
	j := 0
	for i := 0; i < r.Width*r.Height*3; i += 3 {
		dst.Pix[j+0] = r.Pix[i+ri]
		dst.Pix[j+1] = r.Pix[i+1]
		dst.Pix[j+2] = r.Pix[i+bi]
		dst.Pix[j+3] = 0xff
		j += 4
	}
	return dst, nil
}
