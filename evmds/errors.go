// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package evmds

import (
	"errors"
)

var (
	// ErrRemoteUnavailable is returned when the node channel is broken, a
	// response is malformed or the node reports an error for a query.
	ErrRemoteUnavailable = errors.New("remote state unavailable")
	// ErrRemoteTimeout is returned when a node query does not complete within
	// the configured per-query timeout.
	ErrRemoteTimeout = errors.New("remote state query timed out")
	// ErrMalformedRequest is returned for requests that cannot be decoded or
	// fail validation. Such requests never reach a worker.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrAborted is returned when the caller went away before the outcome
	// was delivered.
	ErrAborted = errors.New("request aborted")
	// ErrInternal is returned when execution panicked.
	ErrInternal = errors.New("internal execution error")
)

// FailureReason is the wire code of a failed request.
type FailureReason uint8

const (
	ReasonNone FailureReason = iota
	ReasonRemoteUnavailable
	ReasonRemoteTimeout
	ReasonMalformedRequest
	ReasonAborted
	ReasonInternal
)

var reasonNames = map[FailureReason]string{
	ReasonNone:              "none",
	ReasonRemoteUnavailable: "remote_unavailable",
	ReasonRemoteTimeout:     "remote_timeout",
	ReasonMalformedRequest:  "malformed_request",
	ReasonAborted:           "aborted",
	ReasonInternal:          "internal",
}

func (r FailureReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// ReasonOf classifies err. Unknown errors are reported as internal.
func ReasonOf(err error) FailureReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrRemoteTimeout):
		return ReasonRemoteTimeout
	case errors.Is(err, ErrRemoteUnavailable):
		return ReasonRemoteUnavailable
	case errors.Is(err, ErrMalformedRequest):
		return ReasonMalformedRequest
	case errors.Is(err, ErrAborted):
		return ReasonAborted
	default:
		return ReasonInternal
	}
}

// Err returns the sentinel error matching r, or nil for ReasonNone.
func (r FailureReason) Err() error {
	switch r {
	case ReasonNone:
		return nil
	case ReasonRemoteUnavailable:
		return ErrRemoteUnavailable
	case ReasonRemoteTimeout:
		return ErrRemoteTimeout
	case ReasonMalformedRequest:
		return ErrMalformedRequest
	case ReasonAborted:
		return ErrAborted
	default:
		return ErrInternal
	}
}
