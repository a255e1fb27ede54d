package core

import (
	"fmt"
	"strings"
	"time"
)

// AllocStatus is the client status the scheduler reports for an allocation.
type AllocStatus string

const (
	AllocPending  AllocStatus = "pending"
	AllocRunning  AllocStatus = "running"
	AllocComplete AllocStatus = "complete"
	AllocFailed   AllocStatus = "failed"
	AllocLost     AllocStatus = "lost"
	AllocUnknown  AllocStatus = "unknown"
)

// Terminal reports whether the allocation will not produce further output.
func (s AllocStatus) Terminal() bool {
	switch s {
	case AllocComplete, AllocFailed, AllocLost:
		return true
	}
	return false
}

// Allocation is a read-only view of one scheduler allocation on this node.
type Allocation struct {
	ID        string      `json:"id"`
	Namespace string      `json:"namespace"`
	JobID     string      `json:"job_id"`
	TaskGroup string      `json:"task_group"`
	Name      string      `json:"name"`
	NodeID    string      `json:"node_id"`
	Status    AllocStatus `json:"status"`
	Streams   []LogStream `json:"streams,omitempty"`
}

// LogStream is one task output stream of an allocation.
type LogStream struct {
	Task   string            `json:"task"`
	Stream string            `json:"stream"` // "stdout" or "stderr"
	Path   string            `json:"path"`
	Labels map[string]string `json:"labels,omitempty"`
}

// SourceState is the lifecycle state of a Source.
type SourceState string

const (
	SourceDiscovered SourceState = "discovered"
	SourceTailing    SourceState = "tailing"
	SourceDraining   SourceState = "draining"
	SourceRetired    SourceState = "retired"
)

// CanTransition reports whether a source may move from s to next.
func (s SourceState) CanTransition(next SourceState) bool {
	switch s {
	case SourceDiscovered:
		return next == SourceTailing || next == SourceDraining || next == SourceRetired
	case SourceTailing:
		return next == SourceDraining || next == SourceRetired
	case SourceDraining:
		return next == SourceRetired
	}
	return false
}

// Source is a snapshot of one log stream being tailed.
type Source struct {
	ID           string            `json:"id"`
	AllocID      string            `json:"alloc_id"`
	Namespace    string            `json:"namespace,omitempty"`
	JobID        string            `json:"job_id,omitempty"`
	Task         string            `json:"task"`
	Stream       string            `json:"stream"`
	Path         string            `json:"path"`
	Labels       map[string]string `json:"labels,omitempty"`
	State        SourceState       `json:"state"`
	Offset       int64             `json:"offset"`
	Seq          uint64            `json:"seq"`
	FileIndex    int               `json:"file_index"`
	Reason       string            `json:"reason,omitempty"`
	DiscoveredAt time.Time         `json:"discovered_at"`
	RetiredAt    time.Time         `json:"retired_at,omitzero"`
}

// SourceID constructs a source ID from its components.
// Format: alloc_id:task:stream
func SourceID(allocID, task, stream string) string {
	return fmt.Sprintf("%s:%s:%s", allocID, task, stream)
}

// ParseSourceID splits a source ID into allocation ID, task and stream.
func ParseSourceID(id string) (allocID, task, stream string, err error) {
	first := strings.Index(id, ":")
	last := strings.LastIndex(id, ":")
	if first <= 0 || last == first || last == len(id)-1 {
		return "", "", "", fmt.Errorf("invalid source ID %q: expected alloc_id:task:stream", id)
	}
	return id[:first], id[first+1 : last], id[last+1:], nil
}

// NewSource builds the initial snapshot for a stream of alloc.
func NewSource(alloc Allocation, ls LogStream, now time.Time) Source {
	return Source{
		ID:           SourceID(alloc.ID, ls.Task, ls.Stream),
		AllocID:      alloc.ID,
		Namespace:    alloc.Namespace,
		JobID:        alloc.JobID,
		Task:         ls.Task,
		Stream:       ls.Stream,
		Path:         ls.Path,
		Labels:       ls.Labels,
		State:        SourceDiscovered,
		DiscoveredAt: now,
	}
}

// Label keys attached to every record of a Nomad log stream.
const (
	LabelNamespace = "nomad_namespace"
	LabelJob       = "nomad_job"
	LabelTaskGroup = "nomad_task_group"
	LabelTask      = "nomad_task"
	LabelAllocID   = "nomad_alloc_id"
	LabelAllocName = "nomad_alloc_name"
	LabelNodeID    = "nomad_node_id"
	LabelStream    = "nomad_log_stream"
)
