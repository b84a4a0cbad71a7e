package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/menta2k/dish-counter/pkg/client"
	"github.com/menta2k/dish-counter/pkg/postprocess"
	"github.com/menta2k/dish-counter/pkg/types"
)

// DefaultPrompt asks a vision-language model for every countable object
const DefaultPrompt = `You are a laboratory specimen counter.

Return JSON only:
{
  "objects": [
    {"label": "string", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ]
}

HARD RULES
- List every distinct colony, cell cluster or particle visible in the image, one entry each.
- All coordinates are normalized to [0,1] (NOT pixels); x,y is the top-left corner.
- Boxes must tightly enclose a single object.
- Labels: lowercase, one or two words.
- If nothing is visible, return {"objects": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Detector adapts a vision-language model client to the Model contract.
// Thresholds, suppression and the cap are applied locally since the
// model returns raw candidates.
type Detector struct {
	client client.VisionClient
	model  string
	prompt string
}

// NewDetector creates a detector for the named model behind client
func NewDetector(client client.VisionClient, model string) *Detector {
	return &Detector{client: client, model: model, prompt: DefaultPrompt}
}

// WithPrompt replaces the default prompt
func (d *Detector) WithPrompt(prompt string) *Detector {
	d.prompt = prompt
	return d
}

// Predict implements Model
func (d *Detector) Predict(ctx context.Context, req Request) (*Response, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, req.Image, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	candidates, err := d.client.DetectObjects(ctx, d.model, d.prompt, base64.StdEncoding.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, err
	}

	b := req.Image.Bounds()
	classes := newClassIndex()
	dets := make([]types.Detection, 0, len(candidates))
	for _, c := range candidates {
		box, ok := toPixels(c.Box, b.Dx(), b.Dy())
		if !ok {
			continue
		}
		label := normalizeLabel(c.Label)
		dets = append(dets, types.Detection{
			Box:        box,
			Confidence: clamp(c.Confidence, 0, 1),
			Class:      classes.id(label),
			Label:      label,
		})
	}

	dets = postprocess.Apply(dets, postprocess.Params{
		Confidence:    req.Confidence,
		IoU:           req.IoU,
		MaxDetections: req.MaxDetections,
	})
	return &Response{Detections: dets, ClassNames: classes.names}, nil
}

type classIndex struct {
	ids   map[string]int
	names []string
}

func newClassIndex() *classIndex {
	return &classIndex{ids: map[string]int{}}
}

func (c *classIndex) id(label string) int {
	if id, ok := c.ids[label]; ok {
		return id
	}
	id := len(c.names)
	c.ids[label] = id
	c.names = append(c.names, label)
	return id
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// toPixels converts a normalized box to pixel space. Models sometimes answer
// in pixels despite the prompt, so values above 1 are taken as pixels.
func toPixels(b client.NormBox, w, h int) (types.Box, bool) {
	if b.X > 1 || b.Y > 1 || b.W > 1 || b.H > 1 {
		b = client.NormBox{X: b.X / float64(w), Y: b.Y / float64(h), W: b.W / float64(w), H: b.H / float64(h)}
	}
	x0 := clamp(b.X, 0, 1)
	y0 := clamp(b.Y, 0, 1)
	x1 := clamp(b.X+b.W, 0, 1)
	y1 := clamp(b.Y+b.H, 0, 1)

	box := types.Box{
		Left:   int(x0 * float64(w)),
		Top:    int(y0 * float64(h)),
		Right:  int(x1*float64(w) + 0.5),
		Bottom: int(y1*float64(h) + 0.5),
	}
	if box.Right <= box.Left || box.Bottom <= box.Top {
		return types.Box{}, false
	}
	return box, true
}

func normalizeLabel(l string) string {
	l = strings.ToLower(strings.TrimSpace(l))
	if l == "" {
		return "object"
	}
	return l
}
