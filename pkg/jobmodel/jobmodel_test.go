//go:build !integration

package jobmodel_test

import (
	"encoding/json"
	"testing"

	"github.com/jukasdrj/jobstream/pkg/jobmodel"
)

func TestJobType_Valid(t *testing.T) {
	valid := []jobmodel.JobType{jobmodel.JobTypeEnrichment, jobmodel.JobTypeImport, jobmodel.JobTypeCoverScan}
	for _, jt := range valid {
		if !jt.Valid() {
			t.Errorf("expected %q to be valid", jt)
		}
	}
	for _, jt := range []jobmodel.JobType{"", "export", "Enrichment"} {
		if jt.Valid() {
			t.Errorf("expected %q to be invalid", jt)
		}
	}
}

func TestJobState_Terminal(t *testing.T) {
	cases := map[jobmodel.JobState]bool{
		jobmodel.JobStateQueued:    false,
		jobmodel.JobStateActive:    false,
		jobmodel.JobStateCompleted: true,
		jobmodel.JobStateFailed:    true,
		jobmodel.JobStateCancelled: true,
	}
	for state, want := range cases {
		if got := state.Terminal(); got != want {
			t.Errorf("%s: Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestMessageType_Terminal(t *testing.T) {
	if !jobmodel.MessageComplete.Terminal() || !jobmodel.MessageError.Terminal() {
		t.Error("complete and error must be terminal")
	}
	for _, mt := range []jobmodel.MessageType{jobmodel.MessageReady, jobmodel.MessageReadyAck, jobmodel.MessageProgress, jobmodel.MessageReconnected, jobmodel.MessageHeartbeat} {
		if mt.Terminal() {
			t.Errorf("%s must not be terminal", mt)
		}
	}
}

func TestEnvelope_ProgressRoundTrip(t *testing.T) {
	eta := 12.5
	env, err := jobmodel.NewProgress("job-1", 3, "01ARZ3NDEKTSV4RRFFQ69G5FAV", jobmodel.JobProgress{
		TotalItems:             10,
		ProcessedItems:         4,
		CurrentStatusText:      "Enriching metadata for item 4 of 10",
		EstimatedTimeRemaining: &eta,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	frame, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := jobmodel.DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != jobmodel.MessageProgress || decoded.JobID != "job-1" || decoded.Seq != 3 {
		t.Fatalf("envelope fields lost: %+v", decoded)
	}

	p, err := decoded.Progress()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ProcessedItems != 4 || p.TotalItems != 10 {
		t.Errorf("counters lost: %+v", p)
	}
	if p.EstimatedTimeRemaining == nil || *p.EstimatedTimeRemaining != eta {
		t.Errorf("eta lost: %+v", p.EstimatedTimeRemaining)
	}
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":     `{"type":`,
		"unknown type": `{"type":"shutdown","jobId":"j"}`,
		"missing job":  `{"type":"progress"}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := jobmodel.DecodeEnvelope([]byte(frame)); err == nil {
				t.Error("expected a decode error")
			}
		})
	}
}

func TestDecodeEnvelope_HandshakeMessages(t *testing.T) {
	frame, err := jobmodel.NewReady("job-9").Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := jobmodel.DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != jobmodel.MessageReady || env.Seq != 0 || len(env.Data) != 0 {
		t.Errorf("ready must carry no payload or seq: %+v", env)
	}
}

func TestEnvelope_ErrorPayload(t *testing.T) {
	env, err := jobmodel.NewError("job-2", 7, "01BX5ZZKBKACTAV9WEVGEMMVRZ", jobmodel.JobError{
		Code:      jobmodel.CodeJobFailed,
		Message:   "upstream metadata service unavailable",
		Details:   map[string]any{"attempts": float64(3)},
		Retryable: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	je, err := env.Err()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !je.Retryable || je.Code != jobmodel.CodeJobFailed {
		t.Errorf("error payload lost: %+v", je)
	}
	if je.Details["attempts"] != float64(3) {
		t.Errorf("details lost: %+v", je.Details)
	}
}

func TestJobStatus_JSONOmitsAbsentPayloads(t *testing.T) {
	st := jobmodel.JobStatus{
		Job:   jobmodel.NewJobIdentifier(jobmodel.JobTypeEnrichment),
		State: jobmodel.JobStateQueued,
		Seq:   0,
	}
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, absent := range []string{"progress", "summary", "error"} {
		if json.Valid(raw) && containsKey(raw, absent) {
			t.Errorf("queued status must omit %q", absent)
		}
	}
}

func containsKey(raw []byte, key string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}
