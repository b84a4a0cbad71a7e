package backend

import (
	"fmt"

	"github.com/menta2k/dish-counter/pkg/detection"
	"github.com/menta2k/dish-counter/pkg/postprocess"
	"github.com/menta2k/dish-counter/pkg/types"
)

// decodeYOLO reads a row-major [4+nc, n] YOLOv8 head. Boxes are scaled by
// sx and sy, then suppressed per class like the ultralytics runtime does.
func decodeYOLO(data []float32, rows, n int, sx, sy float64, classNames []string, req detection.Request) ([]types.Detection, error) {
	if rows <= 4 || len(data) < rows*n {
		return nil, fmt.Errorf("unexpected output of %d values for %dx%d", len(data), rows, n)
	}

	var dets []types.Detection
	for i := 0; i < n; i++ {
		best, cls := float32(0), 0
		for c := 4; c < rows; c++ {
			if s := data[c*n+i]; s > best {
				best, cls = s, c-4
			}
		}
		if float64(best) < req.Confidence {
			continue
		}
		cx, cy := float64(data[i]), float64(data[n+i])
		w, h := float64(data[2*n+i]), float64(data[3*n+i])
		d := types.Detection{
			Box: types.Box{
				Left: int((cx - w/2) * sx), Top: int((cy - h/2) * sy),
				Right: int((cx + w/2) * sx), Bottom: int((cy + h/2) * sy),
			},
			Confidence: float64(best),
			Class:      cls,
		}
		if cls < len(classNames) {
			d.Label = classNames[cls]
		}
		dets = append(dets, d)
	}

	return postprocess.Limit(postprocess.NMS(dets, req.IoU, false), req.MaxDetections), nil
}
