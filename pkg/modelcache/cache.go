// Package modelcache keeps one loaded detector per weight-file path for the
// lifetime of the process.
package modelcache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/menta2k/dish-counter/pkg/detection"
)

// Loader builds a detector from a weight file
type Loader func(ctx context.Context, path string) (detection.Model, error)

// Handle is a loaded detector shared read-only by every invocation that
// references the same path.
type Handle struct {
	Path  string
	Label string
	Model detection.Model
}

// Predict runs the underlying model
func (h *Handle) Predict(ctx context.Context, req detection.Request) (*detection.Response, error) {
	return h.Model.Predict(ctx, req)
}

// Name returns the display label
func (h *Handle) Name() string { return h.Label }

// ModelLoadError reports a weight file that could not be loaded
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// Cache memoizes handles by path. Concurrent first calls for the same path
// share one load; failed loads are not memoized.
type Cache struct {
	load Loader

	mu      sync.RWMutex
	handles map[string]*Handle
	group   singleflight.Group
}

// New creates a cache backed by load
func New(load Loader) *Cache {
	return &Cache{
		load:    load,
		handles: make(map[string]*Handle),
	}
}

// Get returns the handle for path, loading it on first use. The load is
// shared by every concurrent caller and runs detached from ctx; a caller
// whose ctx ends stops waiting without failing the others.
func (c *Cache) Get(ctx context.Context, path string) (*Handle, error) {
	c.mu.RLock()
	h, ok := c.handles[path]
	c.mu.RUnlock()
	if ok {
		return h, nil
	}

	ch := c.group.DoChan(path, func() (interface{}, error) {
		// A load may have finished between the read above and entering Do.
		c.mu.RLock()
		h, ok := c.handles[path]
		c.mu.RUnlock()
		if ok {
			return h, nil
		}

		model, err := c.load(context.WithoutCancel(ctx), path)
		if err != nil {
			return nil, &ModelLoadError{Path: path, Err: err}
		}
		if model == nil {
			return nil, &ModelLoadError{Path: path, Err: fmt.Errorf("loader returned no model")}
		}

		h = &Handle{Path: path, Label: Label(path), Model: model}
		c.mu.Lock()
		c.handles[path] = h
		c.mu.Unlock()
		return h, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of loaded handles
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handles)
}

// Close releases every loaded model that holds native resources.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for path, h := range c.handles {
		if closer, ok := h.Model.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close %s: %w", path, err)
			}
		}
		delete(c.handles, path)
	}
	return firstErr
}

// Label is the display name of a weight file
func Label(path string) string {
	return filepath.Base(path)
}
