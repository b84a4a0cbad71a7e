package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/dish-counter/pkg/detection"
	"github.com/menta2k/dish-counter/pkg/modelcache"
	"github.com/menta2k/dish-counter/pkg/types"
)

// RemoteDetection is one box in the inference service reply
type RemoteDetection struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Class      string  `json:"class"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
}

// RemoteResult is the inference service reply. Plot is an optional base64
// JPEG render with the boxes burned in.
type RemoteResult struct {
	Detections []RemoteDetection `json:"detections"`
	ClassNames []string          `json:"class_names,omitempty"`
	Plot       string            `json:"plot,omitempty"`
}

// RemoteModel runs a weight file hosted by an inference service
type RemoteModel struct {
	http  *resty.Client
	model string
}

// ServerLoader checks the service health and binds the weight file name
func ServerLoader(baseURL string, timeout time.Duration, log logrus.FieldLogger) modelcache.Loader {
	r := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout)

	return func(ctx context.Context, path string) (detection.Model, error) {
		res, err := r.R().SetContext(ctx).Get("/health")
		if err != nil {
			return nil, fmt.Errorf("inference service unreachable: %w", err)
		}
		if res.IsError() {
			return nil, fmt.Errorf("inference service unhealthy: %d", res.StatusCode())
		}
		log.WithFields(logrus.Fields{"path": path, "url": baseURL}).Info("remote model bound")
		return &RemoteModel{http: r, model: modelcache.Label(path)}, nil
	}
}

// Predict implements detection.Model
func (m *RemoteModel) Predict(ctx context.Context, req detection.Request) (*detection.Response, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, req.Image, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	var result RemoteResult
	res, err := m.http.R().
		SetContext(ctx).
		SetFileReader("file", "image.jpg", bytes.NewReader(buf.Bytes())).
		SetFormData(map[string]string{
			"model":      m.model,
			"imgsz":      strconv.Itoa(req.ImageSize),
			"conf":       strconv.FormatFloat(req.Confidence, 'f', 2, 64),
			"iou":        strconv.FormatFloat(req.IoU, 'f', 2, 64),
			"max_det":    strconv.Itoa(req.MaxDetections),
			"line_width": strconv.Itoa(req.LineWidth),
			"labels":     strconv.FormatBool(req.ShowLabels),
		}).
		SetResult(&result).
		Post("/predict")
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("inference failed with status: %d", res.StatusCode())
	}

	resp := &detection.Response{ClassNames: result.ClassNames}
	for _, d := range result.Detections {
		resp.Detections = append(resp.Detections, types.Detection{
			Box:        types.Box{Left: d.X, Top: d.Y, Right: d.X + d.Width, Bottom: d.Y + d.Height},
			Confidence: d.Confidence,
			Class:      d.ClassID,
			Label:      d.Class,
		})
	}

	if result.Plot != "" {
		plot, err := decodePlot(result.Plot)
		if err != nil {
			return nil, err
		}
		resp.Plot = plot
	}
	return resp, nil
}

func decodePlot(b64 string) (*detection.Raster, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode plot: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode plot: %w", err)
	}
	return packRGB(img), nil
}

// packRGB drops alpha into a 3-byte raster
func packRGB(img image.Image) *detection.Raster {
	src := imaging.Clone(img)
	b := src.Bounds()
	pix := make([]byte, 0, b.Dx()*b.Dy()*3)
	for i := 0; i < len(src.Pix); i += 4 {
		pix = append(pix, src.Pix[i], src.Pix[i+1], src.Pix[i+2])
	}
	return &detection.Raster{Pix: pix, Width: b.Dx(), Height: b.Dy(), Order: detection.RGB}
}
