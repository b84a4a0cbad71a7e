package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/dish-counter/internal/config"
	"github.com/menta2k/dish-counter/pkg/client"
	"github.com/menta2k/dish-counter/pkg/detection"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func createTestImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func inferenceServer(t *testing.T, plot string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(10<<20))
		require.Equal(t, "best.pt", r.FormValue("model"))
		require.Equal(t, "768", r.FormValue("imgsz"))
		require.Equal(t, "0.20", r.FormValue("conf"))
		require.Equal(t, "0.45", r.FormValue("iou"))
		require.Equal(t, "1000", r.FormValue("max_det"))
		require.Equal(t, "1", r.FormValue("line_width"))
		require.Equal(t, "false", r.FormValue("labels"))

		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()

		res := RemoteResult{
			Detections: []RemoteDetection{
				{X: 1, Y: 2, Width: 10, Height: 20, Class: "colony", ClassID: 0, Confidence: 0.9},
				{X: 30, Y: 30, Width: 5, Height: 5, Class: "colony", ClassID: 0, Confidence: 0.4},
			},
			ClassNames: []string{"colony"},
			Plot:       plot,
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(res))
	})
	return httptest.NewServer(mux)
}

func testRequest() detection.Request {
	return detection.Request{
		Image:         createTestImage(64, 64, color.NRGBA{R: 200, A: 255}),
		ImageSize:     768,
		LineWidth:     1,
		Confidence:    0.20,
		IoU:           0.45,
		MaxDetections: 1000,
	}
}

func TestServerBackend(t *testing.T) {
	srv := inferenceServer(t, "")
	defer srv.Close()

	load := ServerLoader(srv.URL, 5*time.Second, quietLogger())
	m, err := load(context.Background(), "/models/best.pt")
	require.NoError(t, err)

	resp, err := m.Predict(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, resp.Detections, 2)
	require.Equal(t, 11, resp.Detections[0].Box.Right)
	require.Equal(t, 22, resp.Detections[0].Box.Bottom)
	require.Equal(t, "colony", resp.Detections[0].Label)
	require.Nil(t, resp.Plot)
}

func TestServerBackend_Plot(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, createTestImage(4, 2, color.NRGBA{G: 255, A: 255})))
	srv := inferenceServer(t, base64.StdEncoding.EncodeToString(buf.Bytes()))
	defer srv.Close()

	m, err := ServerLoader(srv.URL, 5*time.Second, quietLogger())(context.Background(), "best.pt")
	require.NoError(t, err)

	resp, err := m.Predict(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotNil(t, resp.Plot)
	require.Equal(t, detection.RGB, resp.Plot.Order)

	img, err := resp.Plot.ToNRGBA()
	require.NoError(t, err)
	require.Equal(t, color.NRGBA{G: 255, A: 255}, img.NRGBAAt(3, 1))
}

func TestServerBackend_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := ServerLoader(srv.URL, time.Second, quietLogger())(context.Background(), "best.pt")
	require.ErrorContains(t, err, "unhealthy")
}

type staticVision struct{}

func (staticVision) DetectObjects(context.Context, string, string, string) ([]client.Candidate, error) {
	return []client.Candidate{{Label: "colony", Confidence: 0.9, Box: client.NormBox{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}}}, nil
}

func TestVLMLoader(t *testing.T) {
	load := VLMLoader(staticVision{}, config.VLMConfig{Provider: "ollama", Model: "qwen2.5vl", Prompt: "count"}, quietLogger())
	m, err := load(context.Background(), "models/vlm.pt")
	require.NoError(t, err)

	resp, err := m.Predict(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, resp.Detections, 1)
}

func TestNewLoader(t *testing.T) {
	cfg := config.Default().Backend

	for _, kind := range []string{config.BackendServer, config.BackendOpenCV, config.BackendVLM} {
		cfg.Kind = kind
		load, err := NewLoader(cfg, quietLogger())
		require.NoError(t, err, kind)
		require.NotNil(t, load)
	}

	cfg.Kind = "tensorrt"
	_, err := NewLoader(cfg, quietLogger())
	require.Error(t, err)

	cfg.Kind = config.BackendVLM
	cfg.VLM.Provider = "openai"
	_, err = NewLoader(cfg, quietLogger())
	require.Error(t, err)

	cfg.VLM.Provider = "llamacpp"
	_, err = NewLoader(cfg, quietLogger())
	require.NoError(t, err)
}
