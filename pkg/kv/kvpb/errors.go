// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvpb

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Code classifies an error returned by the import pipeline.
type Code int

const (
	// CodeUnknown is returned for errors that carry no reason code.
	CodeUnknown Code = iota
	// Caller errors.
	CodeInvalidState
	CodeNotFound
	CodeResourceExhausted
	// Data errors.
	CodeCorruptStagingData
	CodeTopologyGap
	// Transient cluster errors.
	CodeNotLeader
	CodeUnavailable
	CodeEpochStale
	// Fatal errors.
	CodeRetryExhausted
	CodeOtherFatal
)

var codeNames = [...]string{
	CodeUnknown:            "Unknown",
	CodeInvalidState:       "InvalidState",
	CodeNotFound:           "NotFound",
	CodeResourceExhausted:  "ResourceExhausted",
	CodeCorruptStagingData: "CorruptStagingData",
	CodeTopologyGap:        "TopologyGap",
	CodeNotLeader:          "NotLeader",
	CodeUnavailable:        "Unavailable",
	CodeEpochStale:         "EpochStale",
	CodeRetryExhausted:     "RetryExhausted",
	CodeOtherFatal:         "OtherFatal",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("Code(%d)", int(c))
	}
	return codeNames[c]
}

// SafeValue implements the redact.SafeValue interface.
func (Code) SafeValue() {}

var _ redact.SafeValue = Code(0)

// Marker errors. Errors produced by the pipeline are marked with one of these
// so that callers can test for them with errors.Is from cockroachdb/errors; the
// standard library errors.Is does not see marks.
var (
	ErrInvalidState       = errors.New("invalid state")
	ErrNotFound           = errors.New("not found")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrCorruptStagingData = errors.New("corrupt staging data")
	ErrTopologyGap        = errors.New("topology gap")
	ErrRetryExhausted     = errors.New("retry exhausted")
	ErrOtherFatal         = errors.New("fatal ingest error")
)

var markers = []struct {
	marker error
	code   Code
}{
	{ErrInvalidState, CodeInvalidState},
	{ErrNotFound, CodeNotFound},
	{ErrResourceExhausted, CodeResourceExhausted},
	{ErrCorruptStagingData, CodeCorruptStagingData},
	{ErrTopologyGap, CodeTopologyGap},
	{ErrRetryExhausted, CodeRetryExhausted},
	{ErrOtherFatal, CodeOtherFatal},
}

// ErrorCode returns the reason code carried by err. Marker codes take
// precedence over the wire errors they may wrap, so that a retry exhausted
// by NotLeader responses reports RetryExhausted.
func ErrorCode(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	for _, m := range markers {
		if errors.Is(err, m.marker) {
			return m.code
		}
	}
	switch {
	case errors.HasType(err, (*NotLeaderError)(nil)):
		return CodeNotLeader
	case errors.HasType(err, (*EpochNotMatchError)(nil)):
		return CodeEpochStale
	case errors.HasType(err, (*UnavailableError)(nil)),
		errors.Is(err, context.DeadlineExceeded):
		return CodeUnavailable
	}
	return CodeUnknown
}

// NotLeaderError is returned by a store that does not lead the region the
// request was addressed to. Leader is the store's best guess at the current
// leader, if any.
type NotLeaderError struct {
	RegionID RegionID
	Leader   *Peer
}

func (e *NotLeaderError) Error() string {
	if e.Leader == nil {
		return fmt.Sprintf("r%d: not leader", e.RegionID)
	}
	return fmt.Sprintf("r%d: not leader; leader may be %s", e.RegionID, e.Leader)
}

// EpochNotMatchError is returned when the request's region epoch differs from
// the store's. Current holds the regions that now cover the requested span.
type EpochNotMatchError struct {
	RegionID     RegionID
	RequestEpoch uint64
	Current      []RegionDescriptor
}

func (e *EpochNotMatchError) Error() string {
	return fmt.Sprintf("r%d: epoch %d does not match; %d current region(s)",
		e.RegionID, e.RequestEpoch, len(e.Current))
}

// UnavailableError is a transient transport failure.
type UnavailableError struct {
	Addr   string
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store %s unavailable: %s", e.Addr, e.Reason)
}

// IsRetryable returns whether the dispatcher should retry after err.
func IsRetryable(err error) bool {
	switch ErrorCode(err) {
	case CodeNotLeader, CodeEpochStale, CodeUnavailable:
		return true
	}
	return false
}
