package domain

import (
	"errors"

	"github.com/jukasdrj/jobstream/pkg/jobmodel"
)

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTerminalState   = errors.New("job is in a terminal state")
	ErrNotInitialized  = errors.New("job broker not initialized")
	ErrExpired         = errors.New("retention window elapsed")
	ErrRateLimited     = errors.New("rate limited")
	ErrTicketUsed      = errors.New("connection ticket already used")
)

// Wire error codes, defined beside the envelope model in pkg/jobmodel and
// forwarded here for server-side callers.
const (
	CodeJobFailed       = jobmodel.CodeJobFailed
	CodeJobCancelled    = jobmodel.CodeJobCancelled
	CodeDecodeFailure   = jobmodel.CodeDecodeFailure
	CodeConnectionLost  = jobmodel.CodeConnectionLost
	CodeVersionMismatch = jobmodel.CodeVersionMismatch
	CodeNotFound        = jobmodel.CodeNotFound
	CodeExpired         = jobmodel.CodeExpired
	CodeRateLimited     = jobmodel.CodeRateLimited
	CodeShutdown        = jobmodel.CodeShutdown
)
