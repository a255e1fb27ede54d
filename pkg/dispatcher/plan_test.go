package dispatcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

func rec(src string, seq uint64) core.Record {
	return core.Record{SourceID: src, Seq: seq, Offset: int64(seq * 10)}
}

func seqs(records []core.Record) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.SourceID+"/"+string(rune('0'+r.Seq)))
	}
	return out
}

func bySource(cps []core.Checkpoint) map[string]uint64 {
	out := make(map[string]uint64)
	for _, cp := range cps {
		out[cp.SourceID] = cp.Seq
	}
	return out
}

func TestPlan(t *testing.T) {
	batch := &core.Batch{ID: "b1", Records: []core.Record{
		rec("a", 1), rec("b", 1), rec("a", 2), rec("a", 3), rec("b", 2),
	}}

	tests := []struct {
		name        string
		res         core.Result
		wantAdvance map[string]uint64
		wantRetry   []string
		wantHeld    map[string]uint64
	}{
		{
			name:        "accepted advances every source",
			res:         core.AcceptedResult(),
			wantAdvance: map[string]uint64{"a": 3, "b": 2},
		},
		{
			name:      "unavailable retries everything",
			res:       core.UnavailableResult(errors.New("503")),
			wantRetry: []string{"a/1", "b/1", "a/2", "a/3", "b/2"},
		},
		{
			name:      "rejected retries everything",
			res:       core.RejectedResult(errors.New("400")),
			wantRetry: []string{"a/1", "b/1", "a/2", "a/3", "b/2"},
		},
		{
			name: "partial advances accepted prefix and holds the rest",
			res: core.PartialResult(
				[]core.Ack{{SourceID: "a", MaxSeq: 3}, {SourceID: "b", MaxSeq: 2}},
				[]core.Record{rec("a", 2)},
			),
			wantAdvance: map[string]uint64{"a": 1, "b": 2},
			wantRetry:   []string{"a/2"},
			wantHeld:    map[string]uint64{"a": 3},
		},
		{
			name: "partial without ack for a source retries it",
			res: core.PartialResult(
				[]core.Ack{{SourceID: "b", MaxSeq: 1}},
				nil,
			),
			wantAdvance: map[string]uint64{"b": 1},
			wantRetry:   []string{"a/1", "a/2", "a/3", "b/2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			advance, retry, held := Plan(batch, tt.res)
			if tt.wantAdvance == nil {
				assert.Empty(t, advance)
			} else {
				assert.Equal(t, tt.wantAdvance, bySource(advance))
			}
			assert.Equal(t, tt.wantRetry, seqs(retry))
			if tt.wantHeld == nil {
				assert.Empty(t, held)
			} else {
				assert.Equal(t, tt.wantHeld, bySource(held))
			}
		})
	}
}

func TestPlanCheckpointCarriesOffset(t *testing.T) {
	batch := &core.Batch{Records: []core.Record{
		{SourceID: "a", Seq: 1, Offset: 5, FileIndex: 2},
		{SourceID: "a", Seq: 2, Offset: 9, FileIndex: 2},
	}}
	advance, _, _ := Plan(batch, core.AcceptedResult())
	assert.Equal(t, []core.Checkpoint{{SourceID: "a", Seq: 2, Offset: 9, FileIndex: 2}}, advance)
}

func TestPlanRetriesRejectedRecordOnly(t *testing.T) {
	batch := &core.Batch{Records: []core.Record{
		rec("a", 1), rec("a", 2), rec("a", 3), rec("a", 4), rec("a", 5),
	}}
	res := core.PartialResult([]core.Ack{{SourceID: "a", MaxSeq: 5}}, []core.Record{rec("a", 3)})

	advance, retry, held := Plan(batch, res)
	assert.Equal(t, map[string]uint64{"a": 2}, bySource(advance))
	assert.Equal(t, []string{"a/3"}, seqs(retry))
	assert.Equal(t, []core.Checkpoint{{SourceID: "a", Seq: 5, Offset: 50}}, held)
}
