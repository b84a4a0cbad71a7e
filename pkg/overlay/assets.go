package overlay

import (
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/opentype"
)

// AssetKind names an optional overlay asset
type AssetKind string

const (
	LogoAsset AssetKind = "logo"
	FontAsset AssetKind = "font"
)

// AssetMissingWarning reports an optional asset that could not be used. It
// is never fatal.
type AssetMissingWarning struct {
	Kind AssetKind
	Path string
	Err  error
}

func (w *AssetMissingWarning) Error() string {
	if w.Path == "" {
		return fmt.Sprintf("%s asset not configured", w.Kind)
	}
	return fmt.Sprintf("%s asset %s unavailable: %v", w.Kind, w.Path, w.Err)
}

func (w *AssetMissingWarning) Unwrap() error { return w.Err }

// Asset is the tagged result of resolving an optional asset. When Present is
// false Value is the zero value and Warning says why.
type Asset[T any] struct {
	Value   T
	Path    string
	Present bool
	Warning *AssetMissingWarning
}

func present[T any](path string, v T) Asset[T] {
	return Asset[T]{Value: v, Path: path, Present: true}
}

func absent[T any](kind AssetKind, path string, err error) Asset[T] {
	return Asset[T]{Path: path, Warning: &AssetMissingWarning{Kind: kind, Path: path, Err: err}}
}

// ResolveLogo loads the logo image at path
func ResolveLogo(path string) Asset[image.Image] {
	if path == "" {
		return absent[image.Image](LogoAsset, path, nil)
	}
	img, err := imaging.Open(path)
	if err != nil {
		return absent[image.Image](LogoAsset, path, err)
	}
	return present(path, img)
}

// ResolveFont loads and parses the TTF/OTF font at path
func ResolveFont(path string) Asset[*opentype.Font] {
	if path == "" {
		return absent[*opentype.Font](FontAsset, path, nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return absent[*opentype.Font](FontAsset, path, err)
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return absent[*opentype.Font](FontAsset, path, fmt.Errorf("failed to parse font: %w", err))
	}
	return present(path, f)
}

// defaultFont is the bundled Go Mono typeface
func defaultFont() (*opentype.Font, error) {
	return opentype.Parse(gomono.TTF)
}
