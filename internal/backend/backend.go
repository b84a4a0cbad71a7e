// Package backend builds the model loaders behind the model cache.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/dish-counter/internal/config"
	"github.com/menta2k/dish-counter/pkg/client"
	"github.com/menta2k/dish-counter/pkg/detection"
	"github.com/menta2k/dish-counter/pkg/llamacpp"
	"github.com/menta2k/dish-counter/pkg/modelcache"
	"github.com/menta2k/dish-counter/pkg/ollama"
)

// NewLoader returns the loader for the configured backend kind
func NewLoader(cfg config.BackendConfig, log logrus.FieldLogger) (modelcache.Loader, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	switch cfg.Kind {
	case config.BackendServer:
		return ServerLoader(cfg.InferenceURL, timeout, log), nil
	case config.BackendOpenCV:
		return OpenCVLoader(cfg.OpenCV, log), nil
	case config.BackendVLM:
		vc, err := NewVisionClient(cfg.VLM)
		if err != nil {
			return nil, err
		}
		return VLMLoader(vc, cfg.VLM, log), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Kind)
	}
}

// NewVisionClient creates the client for the configured VLM provider
func NewVisionClient(cfg config.VLMConfig) (client.VisionClient, error) {
	switch cfg.Provider {
	case "ollama":
		c, err := ollama.NewClient(cfg.URL)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "llamacpp":
		c, err := llamacpp.NewClient(cfg.URL)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown vlm provider %q", cfg.Provider)
	}
}

// VLMLoader serves every weight-file entry with the configured vision model.
// The file name is only used as the display label.
func VLMLoader(vc client.VisionClient, cfg config.VLMConfig, log logrus.FieldLogger) modelcache.Loader {
	return func(_ context.Context, path string) (detection.Model, error) {
		d := detection.NewDetector(vc, cfg.Model)
		if cfg.Prompt != "" {
			d.WithPrompt(cfg.Prompt)
		}
		log.WithFields(logrus.Fields{"path": path, "provider": cfg.Provider, "model": cfg.Model}).Info("vision model ready")
		return d, nil
	}
}
