package core

import "errors"

// Error taxonomy shared by all components. Callers wrap these with
// fmt.Errorf("...: %w", err) and classify with errors.Is.
var (
	ErrTransientIO       = errors.New("transient i/o error")
	ErrPermanentSource   = errors.New("source permanently unavailable")
	ErrSinkRejected      = errors.New("sink rejected records")
	ErrSinkUnavailable   = errors.New("sink unavailable")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrStaleCheckpoint = errors.New("stale checkpoint")
	ErrClosed          = errors.New("closed")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO) || errors.Is(err, ErrSinkUnavailable)
}
