package core

import (
	"testing"
	"time"
)

func TestSourceID(t *testing.T) {
	id := SourceID("5d6e7f80-aaaa-bbbb-cccc-0123456789ab", "web", "stdout")
	if id != "5d6e7f80-aaaa-bbbb-cccc-0123456789ab:web:stdout" {
		t.Errorf("expected 5d6e7f80-aaaa-bbbb-cccc-0123456789ab:web:stdout, got %s", id)
	}
}

func TestParseSourceID(t *testing.T) {
	tests := []struct {
		input      string
		wantAlloc  string
		wantTask   string
		wantStream string
		wantError  bool
	}{
		{"a1:web:stdout", "a1", "web", "stdout", false},
		{"a1:web:stderr", "a1", "web", "stderr", false},
		{"a1:side:car:stdout", "a1", "side:car", "stdout", false},
		{"invalid", "", "", "", true},
		{"only:two", "", "", "", true},
		{":web:stdout", "", "", "", true},
		{"a1:web:", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			alloc, task, stream, err := ParseSourceID(tt.input)
			if tt.wantError {
				if err == nil {
					t.Errorf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error for %q: %v", tt.input, err)
				return
			}
			if alloc != tt.wantAlloc {
				t.Errorf("alloc: got %q, want %q", alloc, tt.wantAlloc)
			}
			if task != tt.wantTask {
				t.Errorf("task: got %q, want %q", task, tt.wantTask)
			}
			if stream != tt.wantStream {
				t.Errorf("stream: got %q, want %q", stream, tt.wantStream)
			}
		})
	}
}

func TestParseSourceIDRoundTrip(t *testing.T) {
	original := SourceID("a1", "redis", "stderr")
	alloc, task, stream, err := ParseSourceID(original)
	if err != nil {
		t.Fatal(err)
	}
	reconstructed := SourceID(alloc, task, stream)
	if reconstructed != original {
		t.Errorf("round-trip failed: %q != %q", reconstructed, original)
	}
}

func TestSourceStateTransitions(t *testing.T) {
	tests := []struct {
		from, to SourceState
		want     bool
	}{
		{SourceDiscovered, SourceTailing, true},
		{SourceDiscovered, SourceRetired, true},
		{SourceTailing, SourceDraining, true},
		{SourceTailing, SourceDiscovered, false},
		{SourceDraining, SourceRetired, true},
		{SourceDraining, SourceTailing, false},
		{SourceRetired, SourceTailing, false},
		{SourceRetired, SourceRetired, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAllocStatusTerminal(t *testing.T) {
	for _, s := range []AllocStatus{AllocComplete, AllocFailed, AllocLost} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []AllocStatus{AllocPending, AllocRunning, AllocUnknown} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNewSource(t *testing.T) {
	now := time.Unix(1700000000, 0)
	alloc := Allocation{ID: "a1", Namespace: "default", JobID: "cache"}
	src := NewSource(alloc, LogStream{Task: "redis", Stream: "stdout", Path: "/logs/redis.stdout"}, now)
	if src.ID != "a1:redis:stdout" {
		t.Errorf("id: got %q", src.ID)
	}
	if src.State != SourceDiscovered {
		t.Errorf("state: got %q, want discovered", src.State)
	}
	if !src.DiscoveredAt.Equal(now) {
		t.Errorf("discovered_at: got %v", src.DiscoveredAt)
	}
}

func TestBatchSources(t *testing.T) {
	b := &Batch{Records: []Record{
		{SourceID: "a:t:stdout", Seq: 1},
		{SourceID: "b:t:stdout", Seq: 1},
		{SourceID: "a:t:stdout", Seq: 2},
	}}
	if got := len(b.Sources()); got != 2 {
		t.Errorf("sources: got %d, want 2", got)
	}
}
