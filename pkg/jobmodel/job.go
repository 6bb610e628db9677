// Package jobmodel defines the wire-level job-progress model shared by the
// server and by external client code: job identity, the lifecycle state set,
// the progress and result payloads, and the tagged message envelope. It is
// transport-neutral; the same shapes ride the websocket channel, the
// text-event-stream fallback, and the polling snapshot.
package jobmodel

import (
	"time"

	"github.com/google/uuid"
)

// JobType tags the kind of long-running work a job performs.
type JobType string

const (
	JobTypeEnrichment JobType = "enrichment" // bulk metadata enrichment
	JobTypeImport     JobType = "import"     // bulk CSV import parsing
	JobTypeCoverScan  JobType = "coverScan"  // AI-assisted cover image scanning
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeEnrichment, JobTypeImport, JobTypeCoverScan:
		return true
	}
	return false
}

// JobIdentifier is the immutable routing key for a job. It is minted once at
// job start and carried on every message on every transport.
type JobIdentifier struct {
	ID        string    `json:"id"`
	Type      JobType   `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewJobIdentifier(t JobType) JobIdentifier {
	return JobIdentifier{
		ID:        uuid.NewString(),
		Type:      t,
		CreatedAt: time.Now().UTC(),
	}
}

// JobState is the closed set of lifecycle states.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition is valid from this state.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// JobProgress is the counter set carried by progress messages. ProcessedItems
// is monotonically non-decreasing while the job is active; only the broker
// writes it.
type JobProgress struct {
	TotalItems             int            `json:"totalItems"`
	ProcessedItems         int            `json:"processedItems"`
	CurrentStatusText      string         `json:"currentStatusText"`
	EstimatedTimeRemaining *float64       `json:"estimatedTimeRemaining,omitempty"` // seconds
	KeepAlive              bool           `json:"keepAlive,omitempty"`
	ResultSummary          *ResultSummary `json:"resultSummary,omitempty"`
}

// ResultSummary is the lightweight completion payload pushed over the channel.
// Full result sets are never inlined; ResultRef points at the retrieval
// endpoint that serves them while the retention window is open.
type ResultSummary struct {
	TotalItems     int    `json:"totalItems"`
	ProcessedItems int    `json:"processedItems"`
	SucceededItems int    `json:"succeededItems"`
	FailedItems    int    `json:"failedItems"`
	ResultRef      string `json:"resultRef"`
}

// JobError is the terminal business-failure payload. Retryable tells the
// caller whether starting a new job may succeed; it never means this
// connection or this job can continue.
type JobError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable"`
}

func (e *JobError) Error() string { return e.Code + ": " + e.Message }

// Wire error codes carried in error envelopes and HTTP error bodies.
const (
	CodeJobFailed       = "JOB_FAILED"
	CodeJobCancelled    = "JOB_CANCELLED"
	CodeDecodeFailure   = "DECODE_FAILURE"
	CodeConnectionLost  = "CONNECTION_LOST"
	CodeVersionMismatch = "VERSION_MISMATCH"
	CodeNotFound        = "NOT_FOUND"
	CodeExpired         = "RESULT_EXPIRED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeShutdown        = "SERVER_SHUTDOWN"
)

// JobStatus is the broker's snapshot of a job: exactly one state, with the
// payload that state carries. Served to polling clients and to late or
// reconnecting listeners.
type JobStatus struct {
	Job       JobIdentifier  `json:"job"`
	State     JobState       `json:"state"`
	Progress  *JobProgress   `json:"progress,omitempty"` // set while active
	Summary   *ResultSummary `json:"summary,omitempty"`  // set when completed
	Err       *JobError      `json:"error,omitempty"`    // set when failed or cancelled
	Seq       uint64         `json:"seq"`                // last applied transition
	UpdatedAt time.Time      `json:"updatedAt"`
}
