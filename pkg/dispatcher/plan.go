package dispatcher

import "github.com/attachmentgenie/nomad-logger/pkg/core"

// Plan maps a delivery result to the checkpoints that may be advanced and the
// records that must be sent again. It is pure: nothing is saved or sent.
//
// Only unaccepted records are retried, in batch order. A source's checkpoint
// advances to the last accepted record before its first unaccepted one; held
// carries the highest accepted checkpoint beyond that gap, which may be
// committed once the retried records of the source are resolved.
func Plan(b *core.Batch, res core.Result) (advance []core.Checkpoint, retry []core.Record, held []core.Checkpoint) {
	switch res.Outcome {
	case core.Accepted:
		return lastPerSource(b.Records), nil, nil
	case core.PartiallyAccepted:
		return planPartial(b, res)
	default:
		return nil, append([]core.Record(nil), b.Records...), nil
	}
}

func planPartial(b *core.Batch, res core.Result) ([]core.Checkpoint, []core.Record, []core.Checkpoint) {
	acked := make(map[string]uint64, len(res.Accepted))
	for _, a := range res.Accepted {
		if cur, ok := acked[a.SourceID]; !ok || a.MaxSeq > cur {
			acked[a.SourceID] = a.MaxSeq
		}
	}
	type key struct {
		src string
		seq uint64
	}
	rejected := make(map[key]bool, len(res.Rejected))
	for _, r := range res.Rejected {
		rejected[key{r.SourceID, r.Seq}] = true
	}

	failed := make(map[string]bool)
	var ok, ahead, retry []core.Record
	for _, r := range b.Records {
		upto, hasAck := acked[r.SourceID]
		if !hasAck || r.Seq > upto || rejected[key{r.SourceID, r.Seq}] {
			failed[r.SourceID] = true
			retry = append(retry, r)
			continue
		}
		if failed[r.SourceID] {
			ahead = append(ahead, r)
			continue
		}
		ok = append(ok, r)
	}
	return lastPerSource(ok), retry, lastPerSource(ahead)
}

// lastPerSource returns the checkpoint of the last record of each source, in
// order of first appearance.
func lastPerSource(records []core.Record) []core.Checkpoint {
	idx := make(map[string]int)
	var out []core.Checkpoint
	for _, r := range records {
		if i, ok := idx[r.SourceID]; ok {
			out[i] = core.CheckpointOf(r)
			continue
		}
		idx[r.SourceID] = len(out)
		out = append(out, core.CheckpointOf(r))
	}
	return out
}
