package detection

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/dish-counter/pkg/postprocess"
	"github.com/menta2k/dish-counter/pkg/render"
	"github.com/menta2k/dish-counter/pkg/types"
)

// Source is a named model, usually a cached handle
type Source interface {
	Model
	Name() string
}

// Result of one detection run
type Result struct {
	Count      int
	Image      *image.NRGBA
	Model      string
	Detections []types.Detection
}

// Invoker runs a model over a square image and produces a display-ready render
type Invoker struct {
	log           logrus.FieldLogger
	lineWidth     int
	maxDetections int
}

// NewInvoker creates an invoker with the default line width and detection cap
func NewInvoker(log logrus.FieldLogger) *Invoker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Invoker{
		log:           log,
		lineWidth:     DefaultLineWidth,
		maxDetections: DefaultMaxDetections,
	}
}

// Detect runs src over img with params. The count is the number of
// detections surviving the model's own thresholds, capped at the maximum.
func (inv *Invoker) Detect(ctx context.Context, src Source, img image.Image, params types.RunParams) (*Result, error) {
	if img == nil {
		return nil, &InferenceError{Model: src.Name(), Err: fmt.Errorf("no input image")}
	}

	req := Request{
		Image:         img,
		ImageSize:     params.InputSize,
		LineWidth:     inv.lineWidth,
		Confidence:    params.Confidence,
		IoU:           params.NMS,
		MaxDetections: inv.maxDetections,
		ShowLabels:    params.ShowLabels,
	}

	resp, err := src.Predict(ctx, req)
	if err != nil {
		return nil, &InferenceError{Model: src.Name(), Err: err}
	}
	if resp == nil {
		return nil, &InferenceError{Model: src.Name(), Err: fmt.Errorf("empty response")}
	}

	dets := postprocess.Limit(resp.Detections, inv.maxDetections)

	var plot *image.NRGBA
	if resp.Plot != nil {
		plot, err = resp.Plot.ToNRGBA()
		if err != nil {
			return nil, &InferenceError{Model: src.Name(), Err: err}
		}
	} else {
		plot = imaging.Clone(img)
		render.DetectionBoxes(plot, dets, render.Options{
			LineWidth:  inv.lineWidth,
			ShowLabels: params.ShowLabels,
			ClassNames: resp.ClassNames,
			Pad:        2,
		})
	}

	inv.log.WithFields(logrus.Fields{
		"model": src.Name(),
		"count": len(dets),
		"size":  params.InputSize,
	}).Debug("detection finished")

	return &Result{
		Count:      len(dets),
		Image:      plot,
		Model:      src.Name(),
		Detections: dets,
	}, nil
}
