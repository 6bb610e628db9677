package jobmodel

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the envelope union.
type MessageType string

const (
	MessageReady       MessageType = "ready"       // client -> server, no payload
	MessageReadyAck    MessageType = "readyAck"    // server -> client
	MessageProgress    MessageType = "progress"    // carries JobProgress
	MessageReconnected MessageType = "reconnected" // resync snapshot after a dropped connection
	MessageComplete    MessageType = "complete"    // summary only, never the full result set
	MessageError       MessageType = "error"       // terminal business/protocol error
	MessageHeartbeat   MessageType = "heartbeat"   // liveness, no payload
)

// Terminal reports whether the message ends the channel for its job.
func (t MessageType) Terminal() bool {
	return t == MessageComplete || t == MessageError
}

// Envelope is the tagged wire message exchanged on both transports. Every
// envelope except ready/readyAck/heartbeat carries Seq (per-job monotonic)
// and EventID (ULID, the resumption cursor on the event-stream transport).
type Envelope struct {
	Type    MessageType     `json:"type"`
	JobID   string          `json:"jobId"`
	Seq     uint64          `json:"seq,omitempty"`
	EventID string          `json:"eventId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewReady builds the client's handshake message for a job.
func NewReady(jobID string) Envelope {
	return Envelope{Type: MessageReady, JobID: jobID}
}

// NewReadyAck builds the server's handshake acknowledgement.
func NewReadyAck(jobID string) Envelope {
	return Envelope{Type: MessageReadyAck, JobID: jobID}
}

// NewHeartbeat builds a liveness message carrying no progress delta.
func NewHeartbeat(jobID string) Envelope {
	return Envelope{Type: MessageHeartbeat, JobID: jobID}
}

func newPayload(t MessageType, jobID string, seq uint64, eventID string, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, JobID: jobID, Seq: seq, EventID: eventID, Data: data}, nil
}

func NewProgress(jobID string, seq uint64, eventID string, p JobProgress) (Envelope, error) {
	return newPayload(MessageProgress, jobID, seq, eventID, p)
}

func NewReconnected(jobID string, seq uint64, eventID string, s JobStatus) (Envelope, error) {
	return newPayload(MessageReconnected, jobID, seq, eventID, s)
}

func NewComplete(jobID string, seq uint64, eventID string, s ResultSummary) (Envelope, error) {
	return newPayload(MessageComplete, jobID, seq, eventID, s)
}

func NewError(jobID string, seq uint64, eventID string, e JobError) (Envelope, error) {
	return newPayload(MessageError, jobID, seq, eventID, e)
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses an inbound frame. A failure here is a protocol error:
// the connection it arrived on must be torn down, not retried.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(frame, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch e.Type {
	case MessageReady, MessageReadyAck, MessageProgress, MessageReconnected,
		MessageComplete, MessageError, MessageHeartbeat:
	default:
		return Envelope{}, fmt.Errorf("decode envelope: unknown type %q", e.Type)
	}
	if e.JobID == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing jobId")
	}
	return e, nil
}

// Progress decodes the payload of a progress envelope.
func (e Envelope) Progress() (JobProgress, error) {
	var p JobProgress
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return JobProgress{}, fmt.Errorf("decode progress payload: %w", err)
	}
	return p, nil
}

// Snapshot decodes the payload of a reconnected envelope.
func (e Envelope) Snapshot() (JobStatus, error) {
	var s JobStatus
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return JobStatus{}, fmt.Errorf("decode snapshot payload: %w", err)
	}
	return s, nil
}

// Summary decodes the payload of a complete envelope.
func (e Envelope) Summary() (ResultSummary, error) {
	var s ResultSummary
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return ResultSummary{}, fmt.Errorf("decode summary payload: %w", err)
	}
	return s, nil
}

// Err decodes the payload of an error envelope.
func (e Envelope) Err() (JobError, error) {
	var je JobError
	if err := json.Unmarshal(e.Data, &je); err != nil {
		return JobError{}, fmt.Errorf("decode error payload: %w", err)
	}
	return je, nil
}
