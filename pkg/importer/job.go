// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/bulk"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/storage/staging"
	"github.com/cockroachdb/kvimport/pkg/util/syncutil"
	"github.com/google/uuid"
)

// JobState is the lifecycle state of a job.
//
//	Open -> Finishing -> Importing -> Closed
//	                              \-> Failed -> Finishing (re-import)
type JobState int

const (
	// JobOpen accepts writes.
	JobOpen JobState = iota
	// JobFinishing is sealing its staging store.
	JobFinishing
	// JobImporting is ingesting its staging store into the cluster.
	JobImporting
	// JobClosed was ingested. Its staging store is gone; only the job's
	// status remains until it is cleaned up.
	JobClosed
	// JobFailed failed to ingest. It may be finished again.
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobOpen:
		return "open"
	case JobFinishing:
		return "finishing"
	case JobImporting:
		return "importing"
	case JobClosed:
		return "closed"
	case JobFailed:
		return "failed"
	}
	return fmt.Sprintf("JobState(%d)", int(s))
}

// SafeValue implements the redact.SafeValue interface.
func (JobState) SafeValue() {}

// InvalidStateError is returned when an operation is not allowed in the
// job's current state.
type InvalidStateError struct {
	ID    uuid.UUID
	State JobState
	Op    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s job %s", e.Op, e.State, e.ID)
}

func invalidState(j *Job, state JobState, op string) error {
	return errors.Mark(&InvalidStateError{ID: j.ID, State: state, Op: op}, kvpb.ErrInvalidState)
}

// JobStatus is a snapshot of a job.
type JobStatus struct {
	ID      uuid.UUID
	State   JobState
	Created time.Time
	// Staged describes what was written. It is zero once the staging store
	// is released.
	Staged staging.Stats
	// Summary describes the last import attempt.
	Summary bulk.Summary
	// Err and Code describe why the job failed.
	Err  error
	Code kvpb.Code
}

// Job is an import job. It owns a staging store until it is closed or
// cleaned up.
type Job struct {
	ID      uuid.UUID
	Created time.Time

	mu struct {
		syncutil.Mutex
		state   JobState
		store   *staging.Store
		summary bulk.Summary
		err     error
		// cancel is set while the job is finishing or importing. done is
		// closed once the last finish returned.
		cancel context.CancelFunc
		done   chan struct{}
	}
}

func newJob(id uuid.UUID, store *staging.Store) *Job {
	j := &Job{ID: id, Created: time.Now()}
	j.mu.state = JobOpen
	j.mu.store = store
	return j
}

// State returns the job's current state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.mu.state
}

// writableStore returns the staging store if the job accepts writes.
func (j *Job) writableStore() (*staging.Store, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.mu.state != JobOpen {
		return nil, invalidState(j, j.mu.state, "write to")
	}
	return j.mu.store, nil
}

// takeStore detaches the staging store from the job.
func (j *Job) takeStore() *staging.Store {
	j.mu.Lock()
	defer j.mu.Unlock()
	store := j.mu.store
	j.mu.store = nil
	return store
}

// beginFinish moves an open or failed job to Finishing. The returned context
// is canceled by abort; done must be closed once the finish returns.
func (j *Job) beginFinish(
	ctx context.Context,
) (_ context.Context, store *staging.Store, done chan struct{}, _ error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.mu.state {
	case JobOpen, JobFailed:
	default:
		return nil, nil, nil, invalidState(j, j.mu.state, "finish")
	}
	ctx, cancel := context.WithCancel(ctx)
	j.mu.state = JobFinishing
	j.mu.err = nil
	j.mu.summary = bulk.Summary{}
	j.mu.cancel = cancel
	j.mu.done = make(chan struct{})
	return ctx, j.mu.store, j.mu.done, nil
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.mu.state = s
}

// endFinish records the outcome of a finish.
func (j *Job) endFinish(summary bulk.Summary, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.mu.summary = summary
	j.mu.err = err
	if err != nil {
		j.mu.state = JobFailed
	} else {
		j.mu.state = JobClosed
	}
	j.mu.cancel()
	j.mu.cancel = nil
}

// abort cancels a running finish. It returns a channel closed once the last
// finish returned, or nil if the job was never finished.
func (j *Job) abort() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.mu.cancel != nil {
		j.mu.cancel()
	}
	return j.mu.done
}

// Status returns a snapshot of the job.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := JobStatus{
		ID:      j.ID,
		State:   j.mu.state,
		Created: j.Created,
		Summary: j.mu.summary,
		Err:     j.mu.err,
		Code:    kvpb.ErrorCode(j.mu.err),
	}
	if j.mu.store != nil {
		st.Staged = j.mu.store.Stats()
	}
	return st
}
