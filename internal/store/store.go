// Package store keeps workflow sessions between host interactions.
package store

import (
	"context"
	"errors"

	"github.com/menta2k/dish-counter/pkg/workflow"
)

// ErrNotFound is returned for unknown or expired sessions
var ErrNotFound = errors.New("session not found")

// Store persists sessions for the session TTL
type Store interface {
	Get(ctx context.Context, id string) (*workflow.Session, error)
	Save(ctx context.Context, s *workflow.Session) error
	Delete(ctx context.Context, id string) error
	Close() error
}
