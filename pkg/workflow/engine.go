package workflow

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/dish-counter/pkg/detection"
	"github.com/menta2k/dish-counter/pkg/geometry"
	"github.com/menta2k/dish-counter/pkg/modelcache"
	"github.com/menta2k/dish-counter/pkg/overlay"
	"github.com/menta2k/dish-counter/pkg/types"
)

// Selection edges may move this many pixels without invalidating a result
const selectionTolerance = 1

// Threshold bounds for confidence and NMS
const (
	MinThreshold = 0.05
	MaxThreshold = 0.70
)

// DefaultInputSizes is the enumerated set of detector input sizes
var DefaultInputSizes = []int{640, 768, 1024, 1280}

// Model is one selectable weight file
type Model struct {
	Path     string              `json:"path"`
	Label    string              `json:"label"`
	Defaults types.ModelDefaults `json:"defaults"`
}

// Options wires an Engine
type Options struct {
	Models     []Model
	Cache      *modelcache.Cache
	Normalizer *geometry.Normalizer
	Invoker    *detection.Invoker
	Composer   *overlay.Composer
	Log        logrus.FieldLogger
	InputSizes []int
	// ReleaseMemory returns freed memory to the OS after each detection
	ReleaseMemory bool
}

// Engine applies workflow transitions to sessions. Every operation takes a
// session and returns a new one; on error the input is left untouched.
type Engine struct {
	models        []Model
	cache         *modelcache.Cache
	normalizer    *geometry.Normalizer
	invoker       *detection.Invoker
	composer      *overlay.Composer
	log           logrus.FieldLogger
	inputSizes    []int
	releaseMemory bool

	mu   sync.Mutex
	busy map[string]struct{}
}

// NewEngine validates opts and creates an engine
func NewEngine(opts Options) (*Engine, error) {
	if len(opts.Models) == 0 {
		return nil, ErrNoModels
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("model cache is required")
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = geometry.New()
	}
	if opts.Invoker == nil {
		opts.Invoker = detection.NewInvoker(opts.Log)
	}
	if opts.Composer == nil {
		opts.Composer = overlay.New(overlay.DefaultConfig(), opts.Log)
	}
	if len(opts.InputSizes) == 0 {
		opts.InputSizes = DefaultInputSizes
	}

	return &Engine{
		models:        opts.Models,
		cache:         opts.Cache,
		normalizer:    opts.Normalizer,
		invoker:       opts.Invoker,
		composer:      opts.Composer,
		log:           opts.Log,
		inputSizes:    opts.InputSizes,
		releaseMemory: opts.ReleaseMemory,
		busy:          make(map[string]struct{}),
	}, nil
}

// Models returns the selectable models
func (e *Engine) Models() []Model {
	return slices.Clone(e.models)
}

// InputSizes returns the allowed detector input sizes
func (e *Engine) InputSizes() []int {
	return slices.Clone(e.inputSizes)
}

// Start leaves the home page. The first model is selected so its defaults
// apply before any detection.
func (e *Engine) Start(s *Session) (*Session, error) {
	if e.Busy(s.ID) {
		return nil, ErrBusy
	}
	ns := s.clone()
	ns.Page = PageApp
	if ns.PrevModel == noModel {
		e.selectModel(ns, ns.ModelIndex)
	}
	ns.UpdatedAt = time.Now()
	return ns, nil
}

// Upload replaces the session image with data from an upload or a camera
// capture. Any previous result and selection are dropped. Like every other
// transition it fails with ErrBusy while a detection runs for the session.
func (e *Engine) Upload(s *Session, data []byte, src Source) (*Session, error) {
	if s.Page != PageApp {
		return nil, ErrNotStarted
	}
	if e.Busy(s.ID) {
		return nil, ErrBusy
	}
	if !src.Valid() {
		return nil, fmt.Errorf("unknown image source %q", src)
	}

	img, err := geometry.DecodeWithOrientation(data)
	if err != nil {
		return nil, err
	}
	preview := e.normalizer.Preview(img)
	encoded, err := geometry.EncodeWebP(preview, e.normalizer.Config().PreviewQuality)
	if err != nil {
		return nil, err
	}

	full := img.Bounds()
	pb := preview.Bounds()

	ns := s.clone()
	ns.Image = data
	ns.Source = src
	ns.Width, ns.Height = full.Dx(), full.Dy()
	ns.Preview = encoded
	ns.PreviewWidth, ns.PreviewHeight = pb.Dx(), pb.Dy()
	ns.PreviewScale = float64(full.Dx()) / float64(pb.Dx())
	ns.Selection = nil
	ns.clearResult()
	ns.UpdatedAt = time.Now()

	e.log.WithFields(logrus.Fields{
		"session": ns.ID,
		"source":  src,
		"width":   ns.Width,
		"height":  ns.Height,
	}).Info("image accepted")
	return ns, nil
}

// SetSelection sets the crop rectangle in full-resolution coordinates. A nil
// selection selects the whole image. The selection is clipped to the image;
// moving any edge by more than a pixel discards the current result.
func (e *Engine) SetSelection(s *Session, sel *types.Selection) (*Session, error) {
	if s.Page != PageApp {
		return nil, ErrNotStarted
	}
	if e.Busy(s.ID) {
		return nil, ErrBusy
	}
	if len(s.Image) == 0 {
		return nil, ErrNoImage
	}

	ns := s.clone()
	if sel == nil {
		ns.Selection = nil
	} else {
		r := sel.Rect().Intersect(s.ImageBounds())
		if sel.Width <= 0 || sel.Height <= 0 || r.Empty() {
			return nil, fmt.Errorf("%w: %dx%d at %d,%d", ErrInvalidSelection, sel.Width, sel.Height, sel.X, sel.Y)
		}
		ns.Selection = &types.Selection{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
	}

	if materialChange(s.selectionRect(), ns.selectionRect()) {
		ns.clearResult()
	}
	ns.UpdatedAt = time.Now()
	return ns, nil
}

func (s *Session) selectionRect() image.Rectangle {
	if s.Selection == nil {
		return s.ImageBounds()
	}
	return s.Selection.Rect()
}

func materialChange(a, b image.Rectangle) bool {
	return absInt(a.Min.X-b.Min.X) > selectionTolerance ||
		absInt(a.Min.Y-b.Min.Y) > selectionTolerance ||
		absInt(a.Max.X-b.Max.X) > selectionTolerance ||
		absInt(a.Max.Y-b.Max.Y) > selectionTolerance
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// SelectModel changes the model. Its defaults are applied only when the
// selection differs from the previous one.
func (e *Engine) SelectModel(s *Session, idx int) (*Session, error) {
	if s.Page != PageApp {
		return nil, ErrNotStarted
	}
	if e.Busy(s.ID) {
		return nil, ErrBusy
	}
	if idx < 0 || idx >= len(e.models) {
		return nil, fmt.Errorf("%w: index %d", ErrUnknownModel, idx)
	}
	ns := s.clone()
	e.selectModel(ns, idx)
	ns.UpdatedAt = time.Now()
	return ns, nil
}

func (e *Engine) selectModel(s *Session, idx int) {
	if idx < 0 || idx >= len(e.models) {
		idx = 0
	}
	s.ModelIndex = idx
	if s.PrevModel != idx {
		s.Params = e.models[idx].Defaults.Apply(s.Params)
		s.PrevModel = idx
	}
}

// SetParams replaces the user-adjustable run parameters
func (e *Engine) SetParams(s *Session, p types.RunParams) (*Session, error) {
	if s.Page != PageApp {
		return nil, ErrNotStarted
	}
	if e.Busy(s.ID) {
		return nil, ErrBusy
	}
	if err := e.ValidateParams(p); err != nil {
		return nil, err
	}
	ns := s.clone()
	ns.Params = p
	ns.UpdatedAt = time.Now()
	return ns, nil
}

// ValidateParams checks p against the enumerated sizes and threshold range
func (e *Engine) ValidateParams(p types.RunParams) error {
	if !slices.Contains(e.inputSizes, p.InputSize) {
		return fmt.Errorf("%w: input size %d not in %v", ErrInvalidParams, p.InputSize, e.inputSizes)
	}
	if p.Confidence < MinThreshold || p.Confidence > MaxThreshold {
		return fmt.Errorf("%w: confidence %.2f outside [%.2f, %.2f]", ErrInvalidParams, p.Confidence, MinThreshold, MaxThreshold)
	}
	if p.NMS < MinThreshold || p.NMS > MaxThreshold {
		return fmt.Errorf("%w: nms %.2f outside [%.2f, %.2f]", ErrInvalidParams, p.NMS, MinThreshold, MaxThreshold)
	}
	return nil
}

// Busy reports whether a detection is running for the session
func (e *Engine) Busy(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.busy[id]
	return ok
}

func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.busy[id]; ok {
		return false
	}
	e.busy[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.busy, id)
	e.mu.Unlock()
}

// Detect runs the selected model over the selection and stores the annotated
// JPEG artifact. Only one detection per session ID may run at a time.
func (e *Engine) Detect(ctx context.Context, s *Session) (*Session, error) {
	if s.Page != PageApp {
		return nil, ErrNotStarted
	}
	if len(s.Image) == 0 {
		return nil, ErrNoImage
	}
	if s.ModelIndex < 0 || s.ModelIndex >= len(e.models) {
		return nil, fmt.Errorf("%w: index %d", ErrUnknownModel, s.ModelIndex)
	}
	if !e.acquire(s.ID) {
		return nil, ErrBusy
	}
	defer e.release(s.ID)

	model := e.models[s.ModelIndex]
	log := e.log.WithFields(logrus.Fields{"session": s.ID, "model": model.Label})

	handle, err := e.cache.Get(ctx, model.Path)
	if err != nil {
		log.WithError(err).Error("model load failed")
		return nil, err
	}

	now := e.composer.Now()
	artifact, res, err := e.run(ctx, handle, s, now)
	if e.releaseMemory {
		debug.FreeOSMemory()
	}
	if err != nil {
		log.WithError(err).Error("detection failed")
		return nil, err
	}

	ns := s.clone()
	ns.Artifact = artifact
	ns.ArtifactName = ArtifactName(now)
	ns.ResultAt = now
	ns.Count = res.Count
	ns.ResultModel = res.Model
	ns.UpdatedAt = time.Now()

	log.WithField("count", res.Count).Info("detection complete")
	return ns, nil
}

// run keeps every raster local so it is garbage once it returns. The overlay
// is stamped with now.
func (e *Engine) run(ctx context.Context, handle *modelcache.Handle, s *Session, now time.Time) ([]byte, *detection.Result, error) {
	img, err := geometry.DecodeWithOrientation(s.Image)
	if err != nil {
		return nil, nil, err
	}
	input, err := e.normalizer.DetectorInput(img, s.Selection, s.Params.InputSize)
	if err != nil {
		if errors.Is(err, geometry.ErrEmptySelection) {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSelection, err)
		}
		return nil, nil, err
	}

	res, err := e.invoker.Detect(ctx, handle, input, s.Params)
	if err != nil {
		return nil, nil, err
	}

	annotated := e.composer.Annotate(e.normalizer.Export(res.Image), overlay.Annotation{
		Count:      res.Count,
		Model:      handle.Label,
		InputSize:  s.Params.InputSize,
		Confidence: s.Params.Confidence,
		NMS:        s.Params.NMS,
		Time:       now,
	})
	artifact, err := geometry.EncodeJPEG(annotated, e.normalizer.Config().JPEGQuality)
	if err != nil {
		return nil, nil, err
	}

	// drop the render, callers only need the count and model
	res.Image = nil
	return artifact, res, nil
}

// ArtifactName is the download filename for a result produced at t
func ArtifactName(t time.Time) string {
	return "detected_" + t.Format("20060102_150405") + ".jpg"
}
