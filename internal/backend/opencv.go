//go:build gocv
// +build gocv

package backend

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/menta2k/dish-counter/internal/config"
	"github.com/menta2k/dish-counter/internal/utils"
	"github.com/menta2k/dish-counter/pkg/detection"
	"github.com/menta2k/dish-counter/pkg/modelcache"
	"github.com/menta2k/dish-counter/pkg/render"
	"github.com/menta2k/dish-counter/pkg/types"
)

// ONNXModel runs a YOLOv8-style ONNX export through the OpenCV DNN module.
// Net is not safe for concurrent use so calls are serialized.
type ONNXModel struct {
	mu         sync.Mutex
	net        gocv.Net
	classNames []string
}

// OpenCVLoader reads ONNX weight files with OpenCV
func OpenCVLoader(cfg config.OpenCVConfig, log logrus.FieldLogger) modelcache.Loader {
	return func(_ context.Context, path string) (detection.Model, error) {
		if !utils.HasExtension(path, []string{"onnx"}) {
			return nil, fmt.Errorf("opencv backend requires an .onnx export, got %s", modelcache.Label(path))
		}
		net := gocv.ReadNetFromONNX(path)
		if net.Empty() {
			return nil, errors.New("failed to read network")
		}
		if cfg.UseCUDA {
			if err := net.SetPreferableBackend(gocv.NetBackendCUDA); err != nil {
				log.WithError(err).Warn("cuda backend unavailable, using default")
			}
			if err := net.SetPreferableTarget(gocv.NetTargetCUDA); err != nil {
				log.WithError(err).Warn("cuda target unavailable, using default")
			}
		}
		log.WithFields(logrus.Fields{"path": path, "cuda": cfg.UseCUDA}).Info("onnx model loaded")
		return &ONNXModel{net: net, classNames: cfg.ClassNames}, nil
	}
}

// Predict implements detection.Model. The plot is returned in OpenCV's
// native BGR order.
func (m *ONNXModel) Predict(_ context.Context, req detection.Request) (*detection.Response, error) {
	mat, err := gocv.ImageToMatRGB(req.Image)
	if err != nil {
		return nil, fmt.Errorf("convert image: %w", err)
	}
	defer mat.Close()

	size := req.ImageSize
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	m.mu.Lock()
	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	m.mu.Unlock()
	defer out.Close()

	dets, err := m.decode(out, float64(mat.Cols())/float64(size), float64(mat.Rows())/float64(size), req)
	if err != nil {
		return nil, err
	}
	m.draw(&mat, dets, req)

	return &detection.Response{
		Detections: dets,
		ClassNames: m.classNames,
		Plot: &detection.Raster{
			Pix:    mat.ToBytes(),
			Width:  mat.Cols(),
			Height: mat.Rows(),
			Order:  detection.BGR,
		},
	}, nil
}

// decode reads the [1, 4+nc, N] output and applies the thresholds
func (m *ONNXModel) decode(out gocv.Mat, sx, sy float64, req detection.Request) ([]types.Detection, error) {
	shape := out.Size()
	if len(shape) != 3 || shape[1] <= 4 {
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return decodeYOLO(data, shape[1], shape[2], sx, sy, m.classNames, req)
}

func (m *ONNXModel) draw(mat *gocv.Mat, dets []types.Detection, req detection.Request) {
	width := max(req.LineWidth, 1)
	for _, d := range dets {
		c := render.ClassColor(d.Class)
		clr := color.RGBA{R: c.R, G: c.G, B: c.B, A: 255}
		gocv.Rectangle(mat, d.Box.Rect(), clr, width)
		if req.ShowLabels {
			label := d.Label
			if label == "" {
				label = fmt.Sprintf("class%d", d.Class)
			}
			gocv.PutText(mat, fmt.Sprintf("%s %.2f", label, d.Confidence),
				image.Pt(d.Box.Left, max(d.Box.Top-4, 10)), gocv.FontHersheySimplex, 0.4, clr, 1)
		}
	}
}

// Close releases the network
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.net.Close()
}
