package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/attachmentgenie/nomad-logger/pkg/checkpoint"
	"github.com/attachmentgenie/nomad-logger/pkg/core"
	"github.com/attachmentgenie/nomad-logger/pkg/tailer"
)

const waitFor = 3 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLister struct {
	mu     sync.Mutex
	allocs []core.Allocation
	err    error
}

func (f *fakeLister) Name() string { return "fake" }

func (f *fakeLister) ListAllocations(_ context.Context) ([]core.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]core.Allocation(nil), f.allocs...), nil
}

func (f *fakeLister) set(allocs ...core.Allocation) {
	f.mu.Lock()
	f.allocs, f.err = allocs, nil
	f.mu.Unlock()
}

func (f *fakeLister) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type collector struct {
	mu      sync.Mutex
	records []core.Record
}

func (c *collector) Submit(_ context.Context, r core.Record) error {
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
	return nil
}

func (c *collector) lines(sourceID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, r := range c.records {
		if r.SourceID == sourceID && r.Kind == core.RecordLine {
			out = append(out, string(r.Payload))
		}
	}
	return out
}

func (c *collector) drained(sourceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if r.SourceID == sourceID && r.Kind == core.RecordDrain {
			return true
		}
	}
	return false
}

type auditLog struct {
	mu     sync.Mutex
	events []core.AuditEvent
}

func (a *auditLog) Audit(evt core.AuditEvent) {
	a.mu.Lock()
	a.events = append(a.events, evt)
	a.mu.Unlock()
}

func (a *auditLog) has(kind core.AuditKind, sourceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e.Kind == kind && e.SourceID == sourceID {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func tailConfig() tailer.Config {
	return tailer.Config{
		PollInterval: 10 * time.Millisecond,
		MaxLineBytes: 4096,
		ReadRetries:  2,
		RetryBase:    time.Millisecond,
	}
}

type registryHarness struct {
	reg     *Registry
	out     *collector
	store   *checkpoint.Memory
	audit   *auditLog
	clock   *fakeClock
	forgot  []string
	forgotM sync.Mutex
}

func newRegistryHarness(t *testing.T) *registryHarness {
	t.Helper()
	h := &registryHarness{
		out:   &collector{},
		store: checkpoint.NewMemory(),
		audit: &auditLog{},
		clock: newClock(),
	}
	h.reg = NewRegistry(context.Background(), tailConfig(), RegistryDeps{
		Store:   h.store,
		Out:     h.out,
		Auditor: h.audit,
		Logger:  quietLogger(),
		Now:     h.clock.Now,
		Forget: func(id string) {
			h.forgotM.Lock()
			h.forgot = append(h.forgot, id)
			h.forgotM.Unlock()
		},
	})
	t.Cleanup(h.reg.Stop)
	return h
}

// writeAlloc creates the log directory of an allocation with one empty
// stdout file per task and returns the matching allocation.
func writeAlloc(t *testing.T, root, id string, status core.AllocStatus, tasks ...string) core.Allocation {
	t.Helper()
	dir := filepath.Join(root, id, "alloc", "logs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	a := core.Allocation{ID: id, Namespace: "default", JobID: "web", TaskGroup: "app", Status: status}
	for _, task := range tasks {
		base := filepath.Join(dir, task+".stdout")
		require.NoError(t, os.WriteFile(base+".0", nil, 0o644))
		a.Streams = append(a.Streams, core.LogStream{Task: task, Stream: "stdout", Path: base})
	}
	return a
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func withStatus(a core.Allocation, status core.AllocStatus) core.Allocation {
	a.Status = status
	return a
}
