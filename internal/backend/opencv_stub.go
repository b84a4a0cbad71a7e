//go:build !gocv
// +build !gocv

package backend

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/dish-counter/internal/config"
	"github.com/menta2k/dish-counter/pkg/detection"
	"github.com/menta2k/dish-counter/pkg/modelcache"
)

// ErrOpenCVDisabled is returned when the binary was built without the gocv tag
var ErrOpenCVDisabled = errors.New("gocv build tag is not enabled")

// OpenCVLoader returns an error for every path when the binary was built
// without the gocv tag.
func OpenCVLoader(_ config.OpenCVConfig, log logrus.FieldLogger) modelcache.Loader {
	return func(_ context.Context, path string) (detection.Model, error) {
		log.WithField("path", path).Warn("opencv backend requested in a build without gocv")
		return nil, ErrOpenCVDisabled
	}
}
