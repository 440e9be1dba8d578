// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package importer

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/bulk"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRegistryOpenLimit(t *testing.T) {
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	fs := vfs.NewMem()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "open"})
	r := NewRegistry(fs, "/import", 2, gauge)

	a, err := r.Create(ctx, uuid.Nil)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, a.ID)
	b, err := r.Create(ctx, uuid.Nil)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, 2, r.OpenCount())
	require.Equal(t, float64(2), testutil.ToFloat64(gauge))

	_, err = r.Create(ctx, uuid.Nil)
	require.Equal(t, kvpb.CodeResourceExhausted, kvpb.ErrorCode(err))
	require.Contains(t, errors.FlattenHints(err), "finish or clean up a job first")

	// Reopening an open job does not count against the limit.
	again, err := r.Create(ctx, a.ID)
	require.NoError(t, err)
	require.Same(t, a, again)

	names, err := fs.List("/import")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{a.ID.String(), b.ID.String()}, names)

	require.NoError(t, r.Remove(ctx, a.ID))
	require.NoError(t, r.Remove(ctx, a.ID))
	require.Equal(t, 1, r.OpenCount())
	require.Equal(t, float64(1), testutil.ToFloat64(gauge))
	_, err = r.Get(a.ID)
	require.True(t, errors.Is(err, kvpb.ErrNotFound), "%v", err)

	c, err := r.Create(ctx, uuid.Nil)
	require.NoError(t, err)
	require.Equal(t, []*Job{b, c}, r.List())

	require.NoError(t, r.Remove(ctx, b.ID))
	require.NoError(t, r.Remove(ctx, c.ID))
	names, err = fs.List("/import")
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestRegistryConcurrentCreate(t *testing.T) {
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	r := NewRegistry(vfs.NewMem(), "/import", 2, nil)
	id := uuid.New()

	const n = 8
	jobs := make([]*Job, n)
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			j, err := r.Create(gCtx, id)
			jobs[i] = j
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, j := range jobs {
		require.Same(t, jobs[0], j)
	}
	require.Equal(t, 1, r.OpenCount())

	// Removing a job while others are created only holds the lock briefly.
	g, gCtx = errgroup.WithContext(ctx)
	g.Go(func() error { return r.Remove(gCtx, id) })
	g.Go(func() error {
		j, err := r.Create(gCtx, uuid.Nil)
		if err != nil {
			return err
		}
		return r.Remove(gCtx, j.ID)
	})
	require.NoError(t, g.Wait())
	require.Equal(t, 0, r.OpenCount())
	require.Empty(t, r.List())
}

func TestRegistryClosedJob(t *testing.T) {
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	r := NewRegistry(vfs.NewMem(), "/import", 1, nil)
	id := uuid.New()
	j, err := r.Create(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, j.ID)

	_, _, done, err := j.beginFinish(ctx)
	require.NoError(t, err)
	_, err = j.writableStore()
	require.True(t, errors.Is(err, kvpb.ErrInvalidState), "%v", err)
	var ise *InvalidStateError
	require.True(t, errors.As(err, &ise))
	require.Equal(t, JobFinishing, ise.State)

	j.endFinish(bulk.Summary{Segments: 1}, nil)
	close(done)
	require.NoError(t, r.release(j))
	require.Equal(t, 0, r.OpenCount())

	// Closed jobs are only visible through lookup.
	_, err = r.Get(id)
	require.Equal(t, kvpb.CodeNotFound, kvpb.ErrorCode(err))
	st, err := func() (JobStatus, error) {
		j, err := r.lookup(id)
		if err != nil {
			return JobStatus{}, err
		}
		return j.Status(), nil
	}()
	require.NoError(t, err)
	require.Equal(t, JobClosed, st.State)
	require.Equal(t, 1, st.Summary.Segments)
	require.Zero(t, st.Staged)

	_, err = r.Create(ctx, id)
	require.Equal(t, kvpb.CodeInvalidState, kvpb.ErrorCode(err))

	// A closed job no longer holds a store, so another job may open.
	_, err = r.Create(ctx, uuid.Nil)
	require.NoError(t, err)
	for _, j := range r.List() {
		require.NoError(t, r.Remove(ctx, j.ID))
	}
}

func TestJobFinishTransitions(t *testing.T) {
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	r := NewRegistry(vfs.NewMem(), "/import", 1, nil)
	j, err := r.Create(ctx, uuid.Nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Remove(ctx, j.ID)) }()

	require.Nil(t, j.abort())

	fctx, _, done, err := j.beginFinish(ctx)
	require.NoError(t, err)
	_, _, _, err = j.beginFinish(ctx)
	require.True(t, errors.Is(err, kvpb.ErrInvalidState), "%v", err)

	aborted := j.abort()
	require.Error(t, fctx.Err())
	j.endFinish(bulk.Summary{}, errors.Mark(errors.New("boom"), kvpb.ErrOtherFatal))
	close(done)
	<-aborted

	st := j.Status()
	require.Equal(t, JobFailed, st.State)
	require.Equal(t, kvpb.CodeOtherFatal, st.Code)
	require.EqualError(t, st.Err, "boom")

	// A failed job may be finished again.
	_, _, done, err = j.beginFinish(ctx)
	require.NoError(t, err)
	require.Equal(t, JobFinishing, j.State())
	require.Nil(t, j.Status().Err)
	j.endFinish(bulk.Summary{}, nil)
	close(done)
	require.Equal(t, JobClosed, j.State())
}
