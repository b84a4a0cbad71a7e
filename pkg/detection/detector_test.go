package detection

import (
	"context"
	"errors"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/menta2k/dish-counter/pkg/client"
)

type fakeVision struct {
	candidates []client.Candidate
	err        error
	prompt     string
}

func (f *fakeVision) DetectObjects(_ context.Context, _, prompt, imgB64 string) ([]client.Candidate, error) {
	f.prompt = prompt
	if imgB64 == "" {
		return nil, errors.New("no image")
	}
	return f.candidates, f.err
}

func TestDetector_Predict(t *testing.T) {
	fv := &fakeVision{candidates: []client.Candidate{
		{Label: "Colony", Confidence: 0.9, Box: client.NormBox{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}},
		{Label: "colony", Confidence: 0.8, Box: client.NormBox{X: 0.11, Y: 0.11, W: 0.2, H: 0.2}}, // duplicate
		{Label: "bubble", Confidence: 0.6, Box: client.NormBox{X: 0.6, Y: 0.6, W: 0.1, H: 0.1}},
		{Label: "colony", Confidence: 0.1, Box: client.NormBox{X: 0.8, Y: 0.1, W: 0.1, H: 0.1}}, // below floor
		{Label: "colony", Confidence: 0.9, Box: client.NormBox{X: 0.5, Y: 0.5, W: 0, H: 0.1}},   // degenerate
	}}

	d := NewDetector(fv, "qwen2.5vl")
	resp, err := d.Predict(context.Background(), Request{
		Image:         createTestImage(100, 100, color.NRGBA{A: 255}),
		Confidence:    0.2,
		IoU:           0.45,
		MaxDetections: 1000,
	})
	require.NoError(t, err)
	require.Equal(t, DefaultPrompt, fv.prompt)
	require.Len(t, resp.Detections, 2)
	require.Equal(t, []string{"colony", "bubble"}, resp.ClassNames)
	require.Nil(t, resp.Plot)

	first := resp.Detections[0]
	require.Equal(t, "colony", first.Label)
	require.Equal(t, 10, first.Box.Left)
	require.Equal(t, 30, first.Box.Right)
}

func TestDetector_PixelBoxes(t *testing.T) {
	box, ok := toPixels(client.NormBox{X: 10, Y: 20, W: 30, H: 40}, 100, 100)
	require.True(t, ok)
	require.Equal(t, 10, box.Left)
	require.Equal(t, 20, box.Top)
	require.Equal(t, 40, box.Right)
	require.Equal(t, 60, box.Bottom)
}

func TestDetector_ClientError(t *testing.T) {
	fv := &fakeVision{err: errors.New("model not found")}
	_, err := NewDetector(fv, "m").WithPrompt("count").Predict(context.Background(), Request{Image: createTestImage(10, 10, color.NRGBA{A: 255})})
	require.Error(t, err)
	require.Equal(t, "count", fv.prompt)
}
