// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package importer

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/storage/staging"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/cockroachdb/kvimport/pkg/util/syncutil"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry maps job handles to jobs. Each job owns exactly one staging
// store, stored under the import directory in a directory named after the
// handle. The number of jobs holding a staging store is bounded.
type Registry struct {
	fs        vfs.FS
	dir       string
	maxOpen   int
	storeOpts staging.Options
	openJobs  prometheus.Gauge

	mu struct {
		syncutil.Mutex
		jobs map[uuid.UUID]*Job
		// opening holds the handles whose staging store is being opened.
		opening map[uuid.UUID]chan struct{}
		// open counts the jobs holding or opening a staging store.
		open int
	}
}

// NewRegistry returns an empty registry. openJobs, if set, tracks the
// number of jobs holding a staging store.
func NewRegistry(fs vfs.FS, dir string, maxOpen int, openJobs prometheus.Gauge) *Registry {
	r := &Registry{
		fs:        fs,
		dir:       dir,
		maxOpen:   maxOpen,
		storeOpts: staging.Options{FS: fs},
		openJobs:  openJobs,
	}
	r.mu.jobs = make(map[uuid.UUID]*Job)
	r.mu.opening = make(map[uuid.UUID]chan struct{})
	return r
}

// Create opens a job with the given handle, or with a fresh handle if id is
// uuid.Nil. Creating an open job again returns it. It fails with
// ResourceExhausted if the maximum number of jobs are open.
func (r *Registry) Create(ctx context.Context, id uuid.UUID) (*Job, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	j, opening, err := r.reserve(ctx, id)
	if err != nil || j != nil {
		return j, err
	}
	// The slot is reserved; pebble is opened without holding the lock.
	store, err := staging.Open(ctx, r.fs.PathJoin(r.dir, id.String()), r.storeOpts)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mu.opening, id)
	close(opening)
	if err != nil {
		r.adjustOpenLocked(-1)
		return nil, err
	}
	j = newJob(id, store)
	r.mu.jobs[id] = j
	log.Infof(ctx, "opened job %s", id)
	return j, nil
}

// reserve returns the existing job with the given handle, or reserves a
// slot for a new one and returns the channel to close once it is opened.
func (r *Registry) reserve(ctx context.Context, id uuid.UUID) (*Job, chan struct{}, error) {
	for {
		r.mu.Lock()
		if j, ok := r.mu.jobs[id]; ok {
			r.mu.Unlock()
			if s := j.State(); s != JobOpen {
				return nil, nil, invalidState(j, s, "reopen")
			}
			return j, nil, nil
		}
		if wait, ok := r.mu.opening[id]; ok {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
		if open := r.mu.open; open >= r.maxOpen {
			r.mu.Unlock()
			return nil, nil, errors.WithHint(
				errors.Mark(errors.Newf("too many open jobs (%d)", open), kvpb.ErrResourceExhausted),
				"finish or clean up a job first")
		}
		opening := make(chan struct{})
		r.mu.opening[id] = opening
		r.adjustOpenLocked(1)
		r.mu.Unlock()
		return nil, opening, nil
	}
}

// Get returns the job with the given handle. Closed jobs are not returned.
func (r *Registry) Get(id uuid.UUID) (*Job, error) {
	j, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if j.State() == JobClosed {
		return nil, errors.Mark(errors.Newf("job %s is closed", id), kvpb.ErrNotFound)
	}
	return j, nil
}

// lookup returns the job with the given handle, closed ones included.
func (r *Registry) lookup(id uuid.UUID) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.mu.jobs[id]
	if !ok {
		return nil, errors.Mark(errors.Newf("job %s not found", id), kvpb.ErrNotFound)
	}
	return j, nil
}

// List returns the jobs ordered by creation time.
func (r *Registry) List() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]*Job, 0, len(r.mu.jobs))
	for _, j := range r.mu.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].Created.Equal(jobs[b].Created) {
			return jobs[a].ID.String() < jobs[b].ID.String()
		}
		return jobs[a].Created.Before(jobs[b].Created)
	})
	return jobs
}

// OpenCount returns the number of jobs holding a staging store.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mu.open
}

// release drops the staging store of j, keeping j itself.
func (r *Registry) release(j *Job) error {
	store := j.takeStore()
	if store == nil {
		return nil
	}
	err := store.Drop()
	r.mu.Lock()
	r.adjustOpenLocked(-1)
	r.mu.Unlock()
	return errors.Wrapf(err, "dropping staging store of job %s", j.ID)
}

// forget unregisters the job with the given handle and returns it, or nil
// if there is no such job. Its staging store is left to the caller.
func (r *Registry) forget(id uuid.UUID) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.mu.jobs[id]
	if !ok {
		return nil
	}
	delete(r.mu.jobs, id)
	return j
}

// Remove drops the staging store of the job with the given handle and
// forgets the job. Removing an unknown job is a no-op.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) error {
	j := r.forget(id)
	if j == nil {
		return nil
	}
	err := r.release(j)
	log.Infof(ctx, "removed job %s", id)
	return err
}

func (r *Registry) adjustOpenLocked(delta int) {
	r.mu.open += delta
	if r.openJobs != nil {
		r.openJobs.Set(float64(r.mu.open))
	}
}
