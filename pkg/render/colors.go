package render

import "image/color"

var (
	White = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	Black = color.NRGBA{A: 255}

	// classColors is the YOLO plotting palette
	classColors = []color.NRGBA{
		{R: 255, G: 56, B: 56, A: 255},   // #FF3838
		{R: 255, G: 157, B: 151, A: 255}, // #FF9D97
		{R: 255, G: 112, B: 31, A: 255},  // #FF701F
		{R: 255, G: 178, B: 29, A: 255},  // #FFB21D
		{R: 207, G: 210, B: 49, A: 255},  // #CFD231
		{R: 72, G: 249, B: 10, A: 255},   // #48F90A
		{R: 146, G: 204, B: 23, A: 255},  // #92CC17
		{R: 61, G: 219, B: 134, A: 255},  // #3DDB86
		{R: 26, G: 147, B: 52, A: 255},   // #1A9334
		{R: 0, G: 212, B: 187, A: 255},   // #00D4BB
		{R: 44, G: 153, B: 168, A: 255},  // #2C99A8
		{R: 0, G: 194, B: 255, A: 255},   // #00C2FF
		{R: 52, G: 69, B: 147, A: 255},   // #344593
		{R: 100, G: 115, B: 255, A: 255}, // #6473FF
		{R: 0, G: 24, B: 236, A: 255},    // #0018EC
		{R: 132, G: 56, B: 255, A: 255},  // #8438FF
		{R: 82, G: 0, B: 133, A: 255},    // #520085
		{R: 203, G: 56, B: 255, A: 255},  // #CB38FF
		{R: 255, G: 149, B: 200, A: 255}, // #FF95C8
		{R: 255, G: 55, B: 199, A: 255},  // #FF37C7
	}
)

// ClassColor returns the palette color for a class index
func ClassColor(class int) color.NRGBA {
	if class < 0 {
		class = -class
	}
	return classColors[class%len(classColors)]
}
