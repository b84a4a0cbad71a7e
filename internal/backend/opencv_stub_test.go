//go:build !gocv

package backend

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/dish-counter/internal/config"
)

func TestOpenCVLoader_Disabled(t *testing.T) {
	log, hook := test.NewNullLogger()
	load := OpenCVLoader(config.OpenCVConfig{UseCUDA: true}, log)

	_, err := load(context.Background(), "best.onnx")
	require.ErrorIs(t, err, ErrOpenCVDisabled)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, logrus.WarnLevel, entry.Level)
	require.Equal(t, "best.onnx", entry.Data["path"])
}
