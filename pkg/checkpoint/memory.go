package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

// Memory is a non-durable Store for tests and ephemeral agents.
type Memory struct {
	mu  sync.Mutex
	cps map[string]core.Checkpoint
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{cps: make(map[string]core.Checkpoint)}
}

func (m *Memory) Load(_ context.Context, id string) (core.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[id]
	if ok {
		if err := validate(cp); err != nil {
			return core.Checkpoint{}, false, err
		}
	}
	return cp, ok, nil
}

func (m *Memory) Save(_ context.Context, cp core.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.cps[cp.SourceID]; ok && cp.Seq < prev.Seq {
		return fmt.Errorf("%w: %s seq %d < %d", core.ErrStaleCheckpoint, cp.SourceID, cp.Seq, prev.Seq)
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	m.cps[cp.SourceID] = cp
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.cps, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context) ([]core.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Checkpoint, 0, len(m.cps))
	for _, cp := range m.cps {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// Put stores cp without any ordering checks. Intended for tests that need to
// seed arbitrary (including corrupt) state.
func (m *Memory) Put(cp core.Checkpoint) {
	m.mu.Lock()
	m.cps[cp.SourceID] = cp
	m.mu.Unlock()
}

func (m *Memory) Close() error { return nil }
