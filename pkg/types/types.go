package types

import "image"

// Box is a pixel-space bounding box in the coordinates of the image passed to the detector
type Box struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Rect returns the box as an image.Rectangle
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Area returns the box area in pixels
func (b Box) Area() int {
	r := b.Rect()
	return r.Dx() * r.Dy()
}

// Detection is a single surviving detector candidate
type Detection struct {
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
	Class      int     `json:"class"`
	Label      string  `json:"label,omitempty"`
}

// Selection is the operator-chosen crop rectangle over the orientation-corrected
// full-resolution image
type Selection struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect returns the selection as an image.Rectangle
func (s Selection) Rect() image.Rectangle {
	return image.Rect(s.X, s.Y, s.X+s.Width, s.Y+s.Height)
}

// Scale maps a selection made on a downscaled preview back to full resolution.
func (s Selection) Scale(factor float64) Selection {
	return Selection{
		X:      int(float64(s.X)*factor + 0.5),
		Y:      int(float64(s.Y)*factor + 0.5),
		Width:  int(float64(s.Width)*factor + 0.5),
		Height: int(float64(s.Height)*factor + 0.5),
	}
}

// RunParams holds the user-adjustable detection parameters
type RunParams struct {
	InputSize  int     `json:"input_size"`
	Confidence float64 `json:"confidence"`
	NMS        float64 `json:"nms"`
	ShowLabels bool    `json:"show_labels"`
}

// ModelDefaults are applied to RunParams when a model becomes selected
type ModelDefaults struct {
	InputSize  int     `json:"input_size"`
	Confidence float64 `json:"confidence"`
	// NMS is left untouched when zero
	NMS float64 `json:"nms,omitempty"`
}

// Apply overwrites the fields of p that d defines.
func (d ModelDefaults) Apply(p RunParams) RunParams {
	if d.InputSize > 0 {
		p.InputSize = d.InputSize
	}
	if d.Confidence > 0 {
		p.Confidence = d.Confidence
	}
	if d.NMS > 0 {
		p.NMS = d.NMS
	}
	return p
}
