package workflow

import "errors"

var (
	ErrNotStarted       = errors.New("session has not left the home page")
	ErrNoImage          = errors.New("no image uploaded")
	ErrBusy             = errors.New("a detection is already running for this session")
	ErrInvalidParams    = errors.New("invalid run parameters")
	ErrInvalidSelection = errors.New("invalid crop selection")
	ErrUnknownModel     = errors.New("unknown model")
	ErrNoModels         = errors.New("no models available")
)
