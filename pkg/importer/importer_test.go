// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package importer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/testutils/localcluster"
	"github.com/cockroachdb/kvimport/pkg/util/humanizeutil"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type importTest struct {
	fs      vfs.FS
	cluster *localcluster.Cluster
	im      *Importer
}

func newImportTest(t *testing.T, numStores int, mutate func(*Config)) *importTest {
	t.Helper()
	ctx := context.Background()
	fs := vfs.NewMem()
	c, err := localcluster.New(ctx, fs, numStores)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ImportDir = "/import"
	cfg.MaxOpenJobs = 4
	cfg.DispatchConcurrency = 4
	cfg.IngestMaxAttempts = 4
	cfg.InitialBackoff = humanizeutil.Duration(time.Millisecond)
	cfg.MaxBackoff = humanizeutil.Duration(5 * time.Millisecond)
	if mutate != nil {
		mutate(&cfg)
	}
	im, err := New(ctx, Options{Config: cfg, FS: fs, Topology: c, Client: c})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, im.Close(ctx))
		require.NoError(t, c.Close())
	})
	return &importTest{fs: fs, cluster: c, im: im}
}

func makeKVs(from, to int) []kvpb.KeyValue {
	var kvs []kvpb.KeyValue
	for i := from; i < to; i++ {
		kvs = append(kvs, kvpb.KeyValue{
			Key:   kvpb.Key(fmt.Sprintf("k%04d", i)),
			Value: []byte(fmt.Sprintf("value-%04d", i)),
		})
	}
	return kvs
}

// write stages keys k<from>..k<to> in batches of 1000.
func (it *importTest) write(t *testing.T, id uuid.UUID, from, to int) {
	t.Helper()
	for i := from; i < to; i += 1000 {
		end := i + 1000
		if end > to {
			end = to
		}
		require.NoError(t, it.im.Write(context.Background(), id, makeKVs(i, end)))
	}
}

func (it *importTest) requireIngested(t *testing.T, from, to int) {
	t.Helper()
	kvs, err := it.cluster.Scan(kvpb.Span{})
	require.NoError(t, err)
	require.Equal(t, makeKVs(from, to), kvs)
}

func TestImportAcrossRegions(t *testing.T) {
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	it := newImportTest(t, 3, nil)
	_, right, err := it.cluster.Split(kvpb.Key("k5000"))
	require.NoError(t, err)
	require.NoError(t, it.cluster.TransferLeader(right.RegionID, 2))

	id, err := it.im.Open(ctx, uuid.Nil)
	require.NoError(t, err)
	it.write(t, id, 0, 10000)
	// A rewrite of a key wins over the first write.
	require.NoError(t, it.im.Write(ctx, id, []kvpb.KeyValue{
		{Key: kvpb.Key("k0042"), Value: []byte("stale")},
	}))
	require.NoError(t, it.im.Write(ctx, id, makeKVs(42, 43)))

	st, err := it.im.JobState(id)
	require.NoError(t, err)
	require.Equal(t, JobOpen, st.State)
	require.Equal(t, int64(10002), st.Staged.Entries)
	require.Equal(t, kvpb.Key("k0000"), st.Staged.MinKey)
	require.Equal(t, kvpb.Key("k9999"), st.Staged.MaxKey)

	require.NoError(t, it.im.Finish(ctx, id))

	st, err = it.im.JobState(id)
	require.NoError(t, err)
	require.Equal(t, JobClosed, st.State)
	require.Equal(t, 1, st.Summary.Segments)
	require.Equal(t, 2, st.Summary.SubSegments)
	require.Equal(t, 2, st.Summary.Ingested)
	require.Zero(t, st.Summary.Resplits)
	require.NoError(t, st.Err)
	it.requireIngested(t, 0, 10000)

	stores := it.cluster.Stores()
	require.Equal(t, int64(1), stores[0].Ingested())
	require.Equal(t, int64(1), stores[1].Ingested())
	require.Equal(t, int64(0), stores[2].Ingested())

	// Closed jobs accept neither writes nor another finish.
	err = it.im.Write(ctx, id, makeKVs(0, 1))
	require.Equal(t, kvpb.CodeNotFound, kvpb.ErrorCode(err))
	err = it.im.Finish(ctx, id)
	require.Equal(t, kvpb.CodeNotFound, kvpb.ErrorCode(err))
	require.Equal(t, float64(0), testutil.ToFloat64(it.im.metrics.OpenJobs))
	require.Equal(t, float64(1), testutil.ToFloat64(it.im.metrics.FinishedJobs.WithLabelValues("closed")))
	require.Equal(t, float64(2), testutil.ToFloat64(it.im.metrics.Ingest.IngestAttempts.WithLabelValues("success")))

	require.NoError(t, it.im.Cleanup(ctx, id))
	_, err = it.im.JobState(id)
	require.Equal(t, kvpb.CodeNotFound, kvpb.ErrorCode(err))
}

func TestImportManySegments(t *testing.T) {
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	it := newImportTest(t, 1, func(cfg *Config) {
		cfg.MaxSegmentKeys = 1000
	})
	_, _, err := it.cluster.Split(kvpb.Key("k2500"))
	require.NoError(t, err)

	id, err := it.im.Open(ctx, uuid.Nil)
	require.NoError(t, err)
	it.write(t, id, 0, 4000)
	require.NoError(t, it.im.Finish(ctx, id))

	st, err := it.im.JobState(id)
	require.NoError(t, err)
	require.Equal(t, 4, st.Summary.Segments)
	// The segment holding k2000..k2999 straddles the split.
	require.Equal(t, 5, st.Summary.SubSegments)
	require.Equal(t, 5, st.Summary.Ingested)
	it.requireIngested(t, 0, 4000)
}

func TestImportResplitsOnEpochChange(t *testing.T) {
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	it := newImportTest(t, 2, nil)
	_, right, err := it.cluster.Split(kvpb.Key("k5000"))
	require.NoError(t, err)

	// The right region splits once the first request for it is in flight.
	var once sync.Once
	var splitErr error
	it.cluster.SetIngestFilter(func(ctx context.Context, addr string, req *kvpb.IngestRequest) error {
		if req.Meta.RegionID == right.RegionID {
			once.Do(func() {
				_, _, splitErr = it.cluster.Split(kvpb.Key("k7500"))
			})
		}
		return nil
	})

	id, err := it.im.Open(ctx, uuid.Nil)
	require.NoError(t, err)
	it.write(t, id, 0, 10000)
	require.NoError(t, it.im.Finish(ctx, id))
	require.NoError(t, splitErr)

	st, err := it.im.JobState(id)
	require.NoError(t, err)
	require.Equal(t, JobClosed, st.State)
	require.Equal(t, 1, st.Summary.Resplits)
	require.Equal(t, 3, st.Summary.Ingested)
	require.Equal(t, 4, st.Summary.SubSegments)
	require.Len(t, it.cluster.Regions(), 3)
	it.requireIngested(t, 0, 10000)
}

func TestImportFailsAndRetries(t *testing.T) {
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	it := newImportTest(t, 1, func(cfg *Config) {
		cfg.IngestMaxAttempts = 3
	})
	id, err := it.im.Open(ctx, uuid.Nil)
	require.NoError(t, err)
	it.write(t, id, 0, 100)

	it.cluster.SetStoreDown(1, true)
	err = it.im.Finish(ctx, id)
	require.Error(t, err)
	require.Equal(t, kvpb.CodeRetryExhausted, kvpb.ErrorCode(err))

	st, err := it.im.JobState(id)
	require.NoError(t, err)
	require.Equal(t, JobFailed, st.State)
	require.Equal(t, kvpb.CodeRetryExhausted, st.Code)
	require.Equal(t, int64(100), st.Staged.Entries)

	// A failed job is sealed but may be finished again.
	err = it.im.Write(ctx, id, makeKVs(100, 101))
	require.Equal(t, kvpb.CodeInvalidState, kvpb.ErrorCode(err))

	it.cluster.SetStoreDown(1, false)
	require.NoError(t, it.im.Finish(ctx, id))
	st, err = it.im.JobState(id)
	require.NoError(t, err)
	require.Equal(t, JobClosed, st.State)
	require.Nil(t, st.Err)
	it.requireIngested(t, 0, 100)
}

func TestImportCleanup(t *testing.T) {
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	it := newImportTest(t, 1, nil)

	id, err := it.im.Open(ctx, uuid.Nil)
	require.NoError(t, err)
	it.write(t, id, 0, 10)
	require.NoError(t, it.im.Cleanup(ctx, id))
	require.NoError(t, it.im.Cleanup(ctx, id))

	err = it.im.Write(ctx, id, makeKVs(10, 20))
	require.Equal(t, kvpb.CodeNotFound, kvpb.ErrorCode(err))
	names, err := it.fs.List("/import")
	require.NoError(t, err)
	require.Empty(t, names)

	// A cleaned up handle may be opened afresh.
	again, err := it.im.Open(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, again)
	st, err := it.im.JobState(id)
	require.NoError(t, err)
	require.Zero(t, st.Staged.Entries)
}

func TestImportCleanupAbortsFinish(t *testing.T) {
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	it := newImportTest(t, 1, nil)

	entered := make(chan struct{})
	var once sync.Once
	it.cluster.SetIngestFilter(func(ctx context.Context, addr string, req *kvpb.IngestRequest) error {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return ctx.Err()
	})

	id, err := it.im.Open(ctx, uuid.Nil)
	require.NoError(t, err)
	it.write(t, id, 0, 100)

	finished := make(chan error, 1)
	go func() { finished <- it.im.Finish(ctx, id) }()
	<-entered

	st, err := it.im.JobState(id)
	require.NoError(t, err)
	require.Equal(t, JobImporting, st.State)
	err = it.im.Finish(ctx, id)
	require.Equal(t, kvpb.CodeInvalidState, kvpb.ErrorCode(err))

	require.NoError(t, it.im.Cleanup(ctx, id))
	require.Error(t, <-finished)
	_, err = it.im.JobState(id)
	require.Equal(t, kvpb.CodeNotFound, kvpb.ErrorCode(err))
	it.requireIngested(t, 0, 0)
}

func TestImportCleanupTimesOut(t *testing.T) {
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	it := newImportTest(t, 1, nil)

	// The ingest ignores cancellation until unblock is closed, so the
	// finish outlives the cleanup's context.
	entered, unblock := make(chan struct{}), make(chan struct{})
	var once sync.Once
	it.cluster.SetIngestFilter(func(ctx context.Context, addr string, req *kvpb.IngestRequest) error {
		once.Do(func() { close(entered) })
		<-unblock
		return ctx.Err()
	})

	id, err := it.im.Open(ctx, uuid.Nil)
	require.NoError(t, err)
	it.write(t, id, 0, 100)

	finished := make(chan error, 1)
	go func() { finished <- it.im.Finish(ctx, id) }()
	<-entered

	cleanupCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err = it.im.Cleanup(cleanupCtx, id)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)

	// The job is gone even though its finish is still running.
	err = it.im.Write(ctx, id, makeKVs(100, 110))
	require.Equal(t, kvpb.CodeNotFound, kvpb.ErrorCode(err))
	_, err = it.im.JobState(id)
	require.Equal(t, kvpb.CodeNotFound, kvpb.ErrorCode(err))
	require.Equal(t, 1, it.im.registry.OpenCount())

	close(unblock)
	require.Error(t, <-finished)
	require.Eventually(t, func() bool {
		return it.im.registry.OpenCount() == 0
	}, 10*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		names, err := it.fs.List("/import")
		return err == nil && len(names) == 0
	}, 10*time.Second, time.Millisecond)
	it.requireIngested(t, 0, 0)
}

func TestImportRemovesStaleJobs(t *testing.T) {
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	fs := vfs.NewMem()
	stale := fs.PathJoin("/import", uuid.New().String())
	require.NoError(t, fs.MkdirAll(stale, 0755))
	require.NoError(t, fs.MkdirAll("/import/keep", 0755))

	c, err := localcluster.New(ctx, fs, 1)
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close()) }()
	cfg := DefaultConfig()
	cfg.ImportDir = "/import"
	_, err = New(ctx, Options{Config: cfg, FS: fs, Topology: c, Client: c})
	require.NoError(t, err)

	names, err := fs.List("/import")
	require.NoError(t, err)
	require.Equal(t, []string{"keep"}, names)
}

func TestImportMaxOpenJobs(t *testing.T) {
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	it := newImportTest(t, 1, func(cfg *Config) {
		cfg.MaxOpenJobs = 1
	})
	a, err := it.im.Open(ctx, uuid.Nil)
	require.NoError(t, err)
	_, err = it.im.Open(ctx, uuid.Nil)
	require.Equal(t, kvpb.CodeResourceExhausted, kvpb.ErrorCode(err))

	it.write(t, a, 0, 10)
	require.NoError(t, it.im.Finish(ctx, a))
	b, err := it.im.Open(ctx, uuid.Nil)
	require.NoError(t, err)

	jobs := it.im.Jobs()
	require.Len(t, jobs, 2)
	require.Equal(t, a, jobs[0].ID)
	require.Equal(t, JobClosed, jobs[0].State)
	require.Equal(t, b, jobs[1].ID)
	require.Equal(t, JobOpen, jobs[1].State)
}
