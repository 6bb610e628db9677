package model

import (
	"encoding/json"
	"time"
)

// JobRecord is the durable row behind the polling and result-retrieval
// endpoints. The broker snapshot is authoritative while a job is live; the
// record is what outlives broker eviction, up to the retention window.
type JobRecord struct {
	Job            JobIdentifier
	State          JobState
	TotalItems     int
	ProcessedItems int
	Err            *JobError
	Result         json.RawMessage // full result set; never pushed over the channel
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}

// Status projects the record into the snapshot shape served to pollers.
func (r *JobRecord) Status() JobStatus {
	st := JobStatus{
		Job:       r.Job,
		State:     r.State,
		Err:       r.Err,
		UpdatedAt: r.UpdatedAt,
	}
	switch r.State {
	case JobStateActive, JobStateQueued:
		st.Progress = &JobProgress{
			TotalItems:     r.TotalItems,
			ProcessedItems: r.ProcessedItems,
		}
	case JobStateCompleted:
		st.Summary = &ResultSummary{
			TotalItems:     r.TotalItems,
			ProcessedItems: r.ProcessedItems,
		}
	}
	return st
}
