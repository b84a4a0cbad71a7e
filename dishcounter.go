// Package dishcounter wires the specimen counting pipeline from a
// configuration.
//
// A Pipeline owns the process-wide pieces: the model list scanned at
// startup, the model cache, the workflow engine and the session store.
// Hosts (the HTTP server, the telegram bot and the CLI) only drive the
// engine with sessions.
//
// Basic usage:
//
//	cfg, err := config.Load("config.json")
//	if err != nil {
//		log.Fatal(err)
//	}
//	p, err := dishcounter.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer p.Close()
//
//	sess, err := p.RunOnce(ctx, data, dishcounter.RunOptions{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	os.WriteFile(sess.ArtifactName, sess.Artifact, 0o644)
package dishcounter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/dish-counter/internal/backend"
	"github.com/menta2k/dish-counter/internal/config"
	"github.com/menta2k/dish-counter/internal/logging"
	"github.com/menta2k/dish-counter/internal/store"
	"github.com/menta2k/dish-counter/pkg/detection"
	"github.com/menta2k/dish-counter/pkg/geometry"
	"github.com/menta2k/dish-counter/pkg/modelcache"
	"github.com/menta2k/dish-counter/pkg/overlay"
	"github.com/menta2k/dish-counter/pkg/types"
	"github.com/menta2k/dish-counter/pkg/workflow"
)

// Version of the dish counter
const Version = "1.0.0"

// Pipeline holds the wired components
type Pipeline struct {
	Config   *config.Config
	Log      *logrus.Logger
	Models   []workflow.Model
	Cache    *modelcache.Cache
	Composer *overlay.Composer
	Engine   *workflow.Engine
	Store    store.Store
}

// New builds a pipeline with the configured backend
func New(cfg *config.Config) (*Pipeline, error) {
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	loader, err := backend.NewLoader(cfg.Backend, log)
	if err != nil {
		return nil, &config.ConfigurationError{Msg: "backend", Err: err}
	}
	return NewWithLoader(cfg, loader, log)
}

// NewWithLoader builds a pipeline around a custom model loader
func NewWithLoader(cfg *config.Config, loader modelcache.Loader, log *logrus.Logger) (*Pipeline, error) {
	if log == nil {
		log = logging.New(cfg.Log.Level, cfg.Log.Format)
	}

	models, err := cfg.ScanModels()
	if err != nil {
		return nil, err
	}
	log.WithField("count", len(models)).Info("models found")

	st, err := newStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	cache := modelcache.New(loader)
	composer := overlay.New(cfg.Overlay, log)
	engine, err := workflow.NewEngine(workflow.Options{
		Models:        models,
		Cache:         cache,
		Normalizer:    geometry.NewWithConfig(cfg.Geometry),
		Invoker:       detection.NewInvoker(log),
		Composer:      composer,
		Log:           log,
		InputSizes:    cfg.Models.InputSizes,
		ReleaseMemory: cfg.ReleaseMemory,
	})
	if err != nil {
		st.Close()
		return nil, &config.ConfigurationError{Msg: "workflow", Err: err}
	}

	return &Pipeline{
		Config:   cfg,
		Log:      log,
		Models:   models,
		Cache:    cache,
		Composer: composer,
		Engine:   engine,
		Store:    st,
	}, nil
}

func newStore(cfg config.StoreConfig) (store.Store, error) {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	switch cfg.Kind {
	case config.StoreRedis:
		return store.NewRedisStore(store.NewRedisPool(cfg.RedisAddr, 10), cfg.Prefix, ttl), nil
	case config.StoreMemory, "":
		return store.NewMemoryStore(ttl), nil
	default:
		return nil, &config.ConfigurationError{Msg: fmt.Sprintf("unknown store %q", cfg.Kind)}
	}
}

// Close releases loaded models and the session store
func (p *Pipeline) Close() error {
	return errors.Join(p.Cache.Close(), p.Store.Close())
}

// RunOptions configures a one-shot run
type RunOptions struct {
	// ModelIndex selects the model; its defaults apply before Params
	ModelIndex int
	// Params overrides the model defaults when set
	Params *types.RunParams
	// Selection is in full-resolution oriented coordinates; nil is the whole image
	Selection *types.Selection
	Source    workflow.Source
}

// RunOnce drives a fresh session from upload to artifact
func (p *Pipeline) RunOnce(ctx context.Context, data []byte, opts RunOptions) (*workflow.Session, error) {
	e := p.Engine
	src := opts.Source
	if src == "" {
		src = workflow.SourceUpload
	}

	sess, err := e.Start(workflow.NewSession("run"))
	if err != nil {
		return nil, err
	}
	if sess, err = e.SelectModel(sess, opts.ModelIndex); err != nil {
		return nil, err
	}
	if opts.Params != nil {
		if sess, err = e.SetParams(sess, *opts.Params); err != nil {
			return nil, err
		}
	}
	if sess, err = e.Upload(sess, data, src); err != nil {
		return nil, err
	}
	if opts.Selection != nil {
		if sess, err = e.SetSelection(sess, opts.Selection); err != nil {
			return nil, err
		}
	}
	return e.Detect(ctx, sess)
}

// Lines returns the overlay text stamped on the session's last result
func (p *Pipeline) Lines(sess *workflow.Session) []string {
	at := sess.ResultAt
	if at.IsZero() {
		at = p.Composer.Now()
	}
	return p.Composer.Lines(overlay.Annotation{
		Count:      sess.Count,
		Model:      sess.ResultModel,
		InputSize:  sess.Params.InputSize,
		Confidence: sess.Params.Confidence,
		NMS:        sess.Params.NMS,
		Time:       at,
	}, at)
}
