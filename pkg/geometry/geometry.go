// Package geometry decodes specimen photographs and normalizes them into the
// bounded previews and square detector inputs the workflow works with.
//
// All transforms are pure: they never modify their input and return the
// input itself when no change is needed, so callers can rely on pixel-identical
// pass-through for images that are already within bounds.
package geometry

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/dish-counter/pkg/types"
)

// ErrEmptySelection is returned when a selection does not overlap the image
var ErrEmptySelection = errors.New("selection does not overlap the image")

// DecodeError reports malformed image bytes
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Config holds the size limits used throughout the pipeline
type Config struct {
	PreviewMaxSize int `json:"preview_max_size"`
	MaxInputSide   int `json:"max_input_side"`
	ExportSide     int `json:"export_side"`
	JPEGQuality    int `json:"jpeg_quality"`
	PreviewQuality int `json:"preview_quality"`
}

// DefaultConfig returns the limits of the reference application
func DefaultConfig() Config {
	return Config{
		PreviewMaxSize: 1200,
		MaxInputSide:   1280,
		ExportSide:     1800,
		JPEGQuality:    95,
		PreviewQuality: 85,
	}
}

// Normalizer applies Config to the package transforms
type Normalizer struct {
	config Config
}

// New creates a Normalizer with default limits
func New() *Normalizer {
	return &Normalizer{config: DefaultConfig()}
}

// NewWithConfig creates a Normalizer with custom limits
func NewWithConfig(config Config) *Normalizer {
	return &Normalizer{config: config}
}

// Config returns the normalizer limits
func (n *Normalizer) Config() Config {
	return n.config
}

// Preview bounds a decoded image for display
func (n *Normalizer) Preview(img image.Image) image.Image {
	return BoundBySize(img, n.config.PreviewMaxSize)
}

// DetectorInput crops the selection out of img and clamps it to the square the
// detector receives for the given input size.
func (n *Normalizer) DetectorInput(img image.Image, sel *types.Selection, inputSize int) (image.Image, error) {
	cropped, err := CropSelection(img, sel)
	if err != nil {
		return nil, err
	}
	return SquareClamp(cropped, n.MaxSide(inputSize)), nil
}

// MaxSide returns min(inputSize, MaxInputSide)
func (n *Normalizer) MaxSide(inputSize int) int {
	if n.config.MaxInputSide > 0 && inputSize > n.config.MaxInputSide {
		return n.config.MaxInputSide
	}
	return inputSize
}

// Export sizes the detection render for the downloadable artifact
func (n *Normalizer) Export(img image.Image) image.Image {
	return ExportSize(img, n.config.ExportSide)
}

// DecodeWithOrientation decodes JPEG, PNG or WebP bytes and applies the EXIF
// orientation tag before returning.
func DecodeWithOrientation(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errors.New("empty input")}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err == nil {
		return img, nil
	}

	// Fallback: explicit WebP decode
	if wimg, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
		return wimg, nil
	}
	return nil, &DecodeError{Err: err}
}

// BoundBySize scales img down so neither dimension exceeds maxSize
func BoundBySize(img image.Image, maxSize int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSize <= 0 || (w <= maxSize && h <= maxSize) {
		return img
	}

	// The larger side lands exactly on maxSize; the other is truncated.
	newW, newH := maxSize, max(h*maxSize/w, 1)
	if h > w {
		newW, newH = max(w*maxSize/h, 1), maxSize
	}
	return imaging.Resize(img, newW, newH, imaging.Lanczos)
}

// SquareClamp crops img to its top-left min(w,h) square and downsizes the
// result to exactly maxSide when it is larger. The crop is anchored at the
// origin, not centered.
func SquareClamp(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	side := min(b.Dx(), b.Dy())

	out := img
	if b.Dx() != b.Dy() {
		out = imaging.Crop(img, image.Rect(b.Min.X, b.Min.Y, b.Min.X+side, b.Min.Y+side))
	}
	if maxSide > 0 && side > maxSide {
		out = imaging.Resize(out, maxSide, maxSide, imaging.Lanczos)
	}
	return out
}

// CropSelection cuts sel out of img, clipped to the image bounds. A nil
// selection returns img unchanged.
func CropSelection(img image.Image, sel *types.Selection) (image.Image, error) {
	if sel == nil {
		return img, nil
	}
	b := img.Bounds()
	rect := sel.Rect().Add(b.Min).Intersect(b)
	if rect.Empty() {
		return nil, ErrEmptySelection
	}
	if rect == b {
		return img, nil
	}
	return imaging.Crop(img, rect), nil
}

// ExportSize upscales a square render to side when it is smaller. Larger
// images pass through.
func ExportSize(img image.Image, side int) image.Image {
	b := img.Bounds()
	if side <= 0 || (b.Dx() >= side && b.Dy() >= side) {
		return img
	}
	if b.Dx() == b.Dy() {
		return imaging.Resize(img, side, side, imaging.Lanczos)
	}
	// Non-square renders keep their aspect; the shorter side reaches side.
	if b.Dx() < b.Dy() {
		return imaging.Resize(img, side, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, side, imaging.Lanczos)
}

// EncodeJPEG encodes img as JPEG with the given quality
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeWebP encodes img as lossy WebP
func EncodeWebP(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, fmt.Errorf("failed to encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
}

// Info returns basic information about an image
func Info(img image.Image) ImageInfo {
	b := img.Bounds()
	info := ImageInfo{Width: b.Dx(), Height: b.Dy()}
	if info.Height > 0 {
		info.AspectRatio = float64(info.Width) / float64(info.Height)
	}
	return info
}
