// Package model is the server-side view of the job-progress domain. The wire
// shapes live in pkg/jobmodel so client code outside this module can import
// them; this package forwards them and adds what never leaves the server
// (durable records, connection tokens).
package model

import "github.com/jukasdrj/jobstream/pkg/jobmodel"

type (
	JobType       = jobmodel.JobType
	JobIdentifier = jobmodel.JobIdentifier
	JobState      = jobmodel.JobState
	JobProgress   = jobmodel.JobProgress
	ResultSummary = jobmodel.ResultSummary
	JobError      = jobmodel.JobError
	JobStatus     = jobmodel.JobStatus
	MessageType   = jobmodel.MessageType
	Envelope      = jobmodel.Envelope
)

const (
	JobTypeEnrichment = jobmodel.JobTypeEnrichment
	JobTypeImport     = jobmodel.JobTypeImport
	JobTypeCoverScan  = jobmodel.JobTypeCoverScan

	JobStateQueued    = jobmodel.JobStateQueued
	JobStateActive    = jobmodel.JobStateActive
	JobStateCompleted = jobmodel.JobStateCompleted
	JobStateFailed    = jobmodel.JobStateFailed
	JobStateCancelled = jobmodel.JobStateCancelled

	MessageReady       = jobmodel.MessageReady
	MessageReadyAck    = jobmodel.MessageReadyAck
	MessageProgress    = jobmodel.MessageProgress
	MessageReconnected = jobmodel.MessageReconnected
	MessageComplete    = jobmodel.MessageComplete
	MessageError       = jobmodel.MessageError
	MessageHeartbeat   = jobmodel.MessageHeartbeat
)

// Constructor and decoder forwarders.
var (
	NewJobIdentifier = jobmodel.NewJobIdentifier
	NewReady         = jobmodel.NewReady
	NewReadyAck      = jobmodel.NewReadyAck
	NewHeartbeat     = jobmodel.NewHeartbeat
	NewProgress      = jobmodel.NewProgress
	NewReconnected   = jobmodel.NewReconnected
	NewComplete      = jobmodel.NewComplete
	NewError         = jobmodel.NewError
	DecodeEnvelope   = jobmodel.DecodeEnvelope
)
