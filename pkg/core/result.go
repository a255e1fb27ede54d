package core

// Outcome tags the variant of a sink Result.
type Outcome int

const (
	// Accepted means every record of the batch was stored.
	Accepted Outcome = iota
	// PartiallyAccepted means the sink stored a subset.
	PartiallyAccepted
	// Rejected means the sink refused the whole batch.
	Rejected
	// Unavailable means the sink could not be reached or failed.
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case PartiallyAccepted:
		return "partial"
	case Rejected:
		return "rejected"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

// Ack acknowledges all records of a source up to and including MaxSeq.
type Ack struct {
	SourceID string `json:"source_id"`
	MaxSeq   uint64 `json:"max_seq"`
}

// Result is the tagged outcome of one delivery attempt.
type Result struct {
	Outcome  Outcome
	Accepted []Ack    // PartiallyAccepted only
	Rejected []Record // PartiallyAccepted only
	Err      error    // Rejected and Unavailable
}

// AcceptedResult reports full success.
func AcceptedResult() Result { return Result{Outcome: Accepted} }

// PartialResult reports that only acks were stored and rejected must be resent.
func PartialResult(acks []Ack, rejected []Record) Result {
	return Result{Outcome: PartiallyAccepted, Accepted: acks, Rejected: rejected}
}

// RejectedResult reports that the sink refused the batch.
func RejectedResult(err error) Result { return Result{Outcome: Rejected, Err: err} }

// UnavailableResult reports a total delivery failure.
func UnavailableResult(err error) Result { return Result{Outcome: Unavailable, Err: err} }
