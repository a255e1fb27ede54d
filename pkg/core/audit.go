package core

import "time"

// AuditKind names a user-visible pipeline event.
type AuditKind string

const (
	AuditSourceRegistered  AuditKind = "source_registered"
	AuditSourceRetired     AuditKind = "source_retired"
	AuditSourceFailed      AuditKind = "source_failed"
	AuditGapDetected       AuditKind = "gap_detected"
	AuditBatchDropped      AuditKind = "batch_dropped"
	AuditCheckpointCorrupt AuditKind = "checkpoint_corrupt"
	AuditCheckpointOrphan  AuditKind = "checkpoint_orphaned"
)

// AuditEvent records a dropped batch, gap, or source lifecycle change.
type AuditEvent struct {
	Kind     AuditKind `json:"kind"`
	SourceID string    `json:"source_id,omitempty"`
	BatchID  string    `json:"batch_id,omitempty"`
	Records  int       `json:"records,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Auditor receives audit events. Implementations must not block.
type Auditor interface {
	Audit(evt AuditEvent)
}

// AuditFunc adapts a function to the Auditor interface.
type AuditFunc func(AuditEvent)

func (f AuditFunc) Audit(evt AuditEvent) { f(evt) }

// NopAuditor discards events.
var NopAuditor Auditor = AuditFunc(func(AuditEvent) {})
