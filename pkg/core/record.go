package core

import "time"

// RecordKind distinguishes log lines from in-band control markers.
type RecordKind uint8

const (
	RecordLine RecordKind = iota
	// RecordDrain marks the end of a source's stream. It is never delivered.
	RecordDrain
)

// Record is a single framed log line from one source.
type Record struct {
	SourceID  string            `json:"source_id"`
	Seq       uint64            `json:"seq"`
	Offset    int64             `json:"offset"` // byte position just past this line
	FileIndex int               `json:"file_index"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   []byte            `json:"payload"`
	Labels    map[string]string `json:"labels,omitempty"`
	Kind      RecordKind        `json:"-"`
}

// Batch is an ordered group of records for one delivery attempt.
type Batch struct {
	ID        string
	Records   []Record
	CreatedAt time.Time
	Attempt   int
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int { return len(b.Records) }

// Sources returns the set of source IDs represented in the batch.
func (b *Batch) Sources() map[string]struct{} {
	out := make(map[string]struct{})
	for _, r := range b.Records {
		out[r.SourceID] = struct{}{}
	}
	return out
}

// Checkpoint is the last acknowledged read position of a source.
type Checkpoint struct {
	SourceID  string    `json:"source_id"`
	Offset    int64     `json:"offset"`
	Seq       uint64    `json:"seq"`
	FileIndex int       `json:"file_index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointOf returns the checkpoint that resumes right after r.
func CheckpointOf(r Record) Checkpoint {
	return Checkpoint{
		SourceID:  r.SourceID,
		Offset:    r.Offset,
		Seq:       r.Seq,
		FileIndex: r.FileIndex,
	}
}
