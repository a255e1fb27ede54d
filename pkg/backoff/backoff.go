// Package backoff computes bounded exponential retry delays.
package backoff

import (
	"context"
	"time"
)

// Policy doubles Base per failure up to Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default waits 1s, 2s, 4s, 8s, 16s, then 30s.
var Default = Policy{Base: time.Second, Max: 30 * time.Second}

// Delay returns the wait before the retry following the given number of failures.
func (p Policy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < failures; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
