package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/menta2k/dish-counter/pkg/types"
)

// Options control box rendering
type Options struct {
	LineWidth  int
	ShowLabels bool
	ClassNames []string
	// Face draws labels; basicfont is used when nil
	Face font.Face
	Pad  int
}

// DefaultOptions returns one-pixel boxes without labels
func DefaultOptions() Options {
	return Options{LineWidth: 1, Pad: 2}
}

// DetectionBoxes renders the bounding boxes around the objects detected
func DetectionBoxes(img *image.NRGBA, dets []types.Detection, opts Options) {
	stroke := max(opts.LineWidth, 1)

	type boxLabel struct {
		rect image.Rectangle
		clr  color.NRGBA
		text string
		dot  fixed.Point26_6
	}
	labels := make([]boxLabel, 0, len(dets))

	face := opts.Face
	if face == nil {
		face = basicfont.Face7x13
	}
	metrics := face.Metrics()
	ascent := metrics.Ascent.Ceil()
	textH := (metrics.Ascent + metrics.Descent).Ceil()

	for _, d := range dets {
		clr := ClassColor(d.Class)
		drawBox(img, d.Box.Rect(), clr, stroke)

		if !opts.ShowLabels {
			continue
		}
		text := fmt.Sprintf("%s %.2f", className(d, opts.ClassNames), d.Confidence)
		textW := font.MeasureString(face, text).Ceil()

		// label sits on top of the box, flipped inside when clipped at the top
		top := d.Box.Top - textH - 2*opts.Pad
		if top < img.Bounds().Min.Y {
			top = d.Box.Top
		}
		rect := image.Rect(d.Box.Left, top, d.Box.Left+textW+2*opts.Pad, top+textH+2*opts.Pad)
		labels = append(labels, boxLabel{
			rect: rect,
			clr:  clr,
			text: text,
			dot:  fixed.P(rect.Min.X+opts.Pad, rect.Min.Y+opts.Pad+ascent),
		})
	}

	// labels are drawn last so boxes never overlap them
	for _, l := range labels {
		draw.Draw(img, l.rect.Intersect(img.Bounds()), image.NewUniform(l.clr), image.Point{}, draw.Src)
		d := font.Drawer{Dst: img, Src: image.NewUniform(White), Face: face, Dot: l.dot}
		d.DrawString(l.text)
	}
}

func className(d types.Detection, names []string) string {
	if d.Label != "" {
		return d.Label
	}
	if d.Class >= 0 && d.Class < len(names) {
		return names[d.Class]
	}
	return fmt.Sprintf("class%d", d.Class)
}

func drawBox(img *image.NRGBA, r image.Rectangle, c color.NRGBA, stroke int) {
	if r.Dx() <= 0 || r.Dy() <= 0 {
		return
	}
	for s := 0; s < stroke; s++ {
		drawHLine(img, r.Min.Y+s, r.Min.X, r.Max.X, c)
		drawHLine(img, r.Max.Y-1-s, r.Min.X, r.Max.X, c)
		drawVLine(img, r.Min.X+s, r.Min.Y, r.Max.Y, c)
		drawVLine(img, r.Max.X-1-s, r.Min.Y, r.Max.Y, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	b := img.Bounds()
	if y < b.Min.Y || y >= b.Max.Y {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0, x1 = max(x0, b.Min.X), min(x1, b.Max.X)
	for x := x0; x < x1; x++ {
		img.SetNRGBA(x, y, c)
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	b := img.Bounds()
	if x < b.Min.X || x >= b.Max.X {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0, y1 = max(y0, b.Min.Y), min(y1, b.Max.Y)
	for y := y0; y < y1; y++ {
		img.SetNRGBA(x, y, c)
	}
}
