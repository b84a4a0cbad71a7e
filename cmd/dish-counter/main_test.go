package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	dishcounter "github.com/menta2k/dish-counter"
	"github.com/menta2k/dish-counter/internal/config"
	"github.com/menta2k/dish-counter/pkg/detection"
	"github.com/menta2k/dish-counter/pkg/types"
)

func TestParseCrop(t *testing.T) {
	sel, err := parseCrop("10, 20,300,400")
	require.NoError(t, err)
	require.Equal(t, &types.Selection{X: 10, Y: 20, Width: 300, Height: 400}, sel)

	_, err = parseCrop("1,2,3")
	require.Error(t, err)

	_, err = parseCrop("1,2,x,4")
	require.Error(t, err)
}

type closingModel struct {
	closed atomic.Bool
}

func (m *closingModel) Predict(_ context.Context, _ detection.Request) (*detection.Response, error) {
	return &detection.Response{Detections: []types.Detection{
		{Box: types.Box{Left: 2, Top: 2, Right: 12, Bottom: 12}, Confidence: 0.9},
	}}, nil
}

func (m *closingModel) Close() error {
	m.closed.Store(true)
	return nil
}

// setup writes a config file and an input image and returns an opener that
// builds the pipeline around m
func setup(t *testing.T, m *closingModel) (options, opener) {
	t.Helper()
	dir := t.TempDir()
	models := filepath.Join(dir, "models")
	require.NoError(t, os.MkdirAll(models, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(models, "best.pt"), []byte("weights"), 0o644))

	cfg := config.Default()
	cfg.Models.Dir = models
	cfg.Overlay.LogoPath = ""
	cfg.Overlay.FontPath = ""
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, cfg.SaveToFile(cfgPath))

	img := image.NewNRGBA(image.Rect(0, 0, 120, 80))
	for i := range img.Pix {
		img.Pix[i] = 180
	}
	img.Set(0, 0, color.NRGBA{A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	in := filepath.Join(dir, "dish.png")
	require.NoError(t, os.WriteFile(in, buf.Bytes(), 0o644))

	log := logrus.New()
	log.SetOutput(io.Discard)
	open := func(c *config.Config) (*dishcounter.Pipeline, error) {
		return dishcounter.NewWithLoader(c, func(_ context.Context, _ string) (detection.Model, error) {
			return m, nil
		}, log)
	}
	return options{mode: "run", cfgPath: cfgPath, in: in, outDir: filepath.Join(dir, "out")}, open
}

func TestRun_WritesArtifact(t *testing.T) {
	m := &closingModel{}
	o, open := setup(t, m)

	require.NoError(t, run(o, open))
	entries, err := os.ReadDir(o.outDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Regexp(t, `^detected_\d{8}_\d{6}\.jpg$`, entries[0].Name())
	require.True(t, m.closed.Load())
}

func TestRun_ClosesPipelineOnError(t *testing.T) {
	m := &closingModel{}
	o, open := setup(t, m)

	// a file where the output directory should be fails after the model loaded
	blocker := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	o.outDir = blocker

	require.Error(t, run(o, open))
	require.True(t, m.closed.Load())
}

func TestRun_Errors(t *testing.T) {
	m := &closingModel{}
	o, open := setup(t, m)

	bad := o
	bad.mode = "bogus"
	require.ErrorContains(t, run(bad, open), `unknown mode "bogus"`)

	bad = o
	bad.in = ""
	require.ErrorContains(t, run(bad, open), "usage:")

	bad = o
	bad.crop = "1,2"
	require.Error(t, run(bad, open))

	bad = o
	bad.modelIdx = 3
	bad.size = 640
	require.ErrorContains(t, run(bad, open), "out of range")
}
