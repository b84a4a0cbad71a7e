// Package overlay composites the logo, timestamp and run metadata onto a
// detection render.
package overlay

import (
	"fmt"
	"image"
	"image/draw"
	"time"
	_ "time/tzdata"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/menta2k/dish-counter/pkg/render"
)

const timestampLayout = "2006-01-02 15:04:05"

// Config holds overlay settings
type Config struct {
	LogoPath string `json:"logo_path"`
	FontPath string `json:"font_path"`
	Timezone string `json:"timezone"`
	// LogoBox bounds the fitted logo on both sides
	LogoBox     int `json:"logo_box"`
	Margin      int `json:"margin"`
	MinFontSize int `json:"min_font_size"`
	// FontDivisor sets the font size as a fraction of the shorter side
	FontDivisor int `json:"font_divisor"`
}

// DefaultConfig returns the reference overlay settings
func DefaultConfig() Config {
	return Config{
		Timezone:    "Asia/Tokyo",
		LogoBox:     800,
		Margin:      10,
		MinFontSize: 16,
		FontDivisor: 30,
	}
}

// Annotation is the run metadata written onto the image
type Annotation struct {
	Count      int
	Model      string
	InputSize  int
	Confidence float64
	NMS        float64
	// Time stamps the overlay; zero reads the composer clock
	Time time.Time
}

// Composer draws overlays. Assets are resolved once at construction.
type Composer struct {
	cfg      Config
	logo     Asset[image.Image]
	font     *opentype.Font
	loc      *time.Location
	now      func() time.Time
	warnings []error
}

// New resolves the configured assets. Missing assets are logged and kept
// as warnings; New never fails.
func New(cfg Config, log logrus.FieldLogger) *Composer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	def := DefaultConfig()
	if cfg.LogoBox <= 0 {
		cfg.LogoBox = def.LogoBox
	}
	if cfg.Margin <= 0 {
		cfg.Margin = def.Margin
	}
	if cfg.MinFontSize <= 0 {
		cfg.MinFontSize = def.MinFontSize
	}
	if cfg.FontDivisor <= 0 {
		cfg.FontDivisor = def.FontDivisor
	}
	if cfg.Timezone == "" {
		cfg.Timezone = def.Timezone
	}

	c := &Composer{cfg: cfg, now: time.Now}

	c.logo = ResolveLogo(cfg.LogoPath)
	if !c.logo.Present {
		c.warn(log, c.logo.Warning)
	}

	fa := ResolveFont(cfg.FontPath)
	if fa.Present {
		c.font = fa.Value
	} else {
		c.warn(log, fa.Warning)
		// basicfont is used when even the bundled face fails
		c.font, _ = defaultFont()
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.WithError(err).WithField("timezone", cfg.Timezone).Warn("unknown timezone, using JST")
		loc = time.FixedZone("JST", 9*60*60)
	}
	c.loc = loc

	return c
}

func (c *Composer) warn(log logrus.FieldLogger, w *AssetMissingWarning) {
	c.warnings = append(c.warnings, w)
	log.WithFields(logrus.Fields{"asset": w.Kind, "path": w.Path}).Warn(w.Error())
}

// WithClock replaces the time source
func (c *Composer) WithClock(now func() time.Time) *Composer {
	c.now = now
	return c
}

// Warnings returns the non-fatal asset warnings collected at construction
func (c *Composer) Warnings() []error {
	out := make([]error, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// HasLogo reports whether a logo will be pasted
func (c *Composer) HasLogo() bool { return c.logo.Present }

// Now returns the current time in the overlay timezone
func (c *Composer) Now() time.Time { return c.now().In(c.loc) }

// Lines returns the text block for a run at time t
func (c *Composer) Lines(a Annotation, t time.Time) []string {
	return []string{
		t.In(c.loc).Format(timestampLayout),
		fmt.Sprintf("Count: %d", a.Count),
		fmt.Sprintf("Model: %s", a.Model),
		fmt.Sprintf("Input: %d", a.InputSize),
		fmt.Sprintf("Conf: %.2f", a.Confidence),
		fmt.Sprintf("NMS: %.2f", a.NMS),
	}
}

// FontSize is the text size used for an image of the given bounds
func (c *Composer) FontSize(b image.Rectangle) int {
	return max(c.cfg.MinFontSize, min(b.Dx(), b.Dy())/c.cfg.FontDivisor)
}

// Annotate draws the overlay on a copy of img and returns an opaque image.
func (c *Composer) Annotate(img image.Image, a Annotation) *image.RGBA {
	dst := imaging.Clone(img)
	b := dst.Bounds()

	y := c.cfg.Margin
	if c.logo.Present {
		logo := imaging.Fit(c.logo.Value, c.cfg.LogoBox, c.cfg.LogoBox, imaging.Lanczos)
		at := image.Pt(c.cfg.Margin, y)
		draw.Draw(dst, logo.Bounds().Add(at), logo, image.Point{}, draw.Over)
		y += logo.Bounds().Dy() + c.cfg.Margin
	}

	size := c.FontSize(b)
	face := c.face(size)
	stroke := max(1, size/30)
	at := a.Time
	if at.IsZero() {
		at = c.Now()
	}
	c.drawText(dst, face, c.cfg.Margin, y, stroke, c.Lines(a, at))

	return flatten(dst)
}

func (c *Composer) face(size int) font.Face {
	if c.font == nil {
		return basicfont.Face7x13
	}
	face, err := opentype.NewFace(c.font, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return basicfont.Face7x13
	}
	return face
}

// drawText renders lines top-down from (x, y) with a white outline of the
// given radius behind black glyphs.
func (c *Composer) drawText(dst *image.NRGBA, face font.Face, x, y, stroke int, lines []string) {
	m := face.Metrics()
	lineH := m.Height.Ceil()
	ascent := m.Ascent.Ceil()

	outline := image.NewUniform(render.White)
	fill := image.NewUniform(render.Black)

	for i, line := range lines {
		base := y + ascent + i*lineH
		for dy := -stroke; dy <= stroke; dy++ {
			for dx := -stroke; dx <= stroke; dx++ {
				if (dx == 0 && dy == 0) || dx*dx+dy*dy > stroke*stroke {
					continue
				}
				d := font.Drawer{Dst: dst, Src: outline, Face: face, Dot: fixed.P(x+dx, base+dy)}
				d.DrawString(line)
			}
		}
		d := font.Drawer{Dst: dst, Src: fill, Face: face, Dot: fixed.P(x, base)}
		d.DrawString(line)
	}
}

// flatten drops the alpha channel
func flatten(src *image.NRGBA) *image.RGBA {
	pix := make([]byte, len(src.Pix))
	copy(pix, src.Pix)
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 0xff
	}
	return &image.RGBA{Pix: pix, Stride: src.Stride, Rect: src.Rect}
}
