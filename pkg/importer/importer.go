// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package importer implements the import service: jobs stage sorted
// key/value pairs on local disk and, once finished, are split along the
// cluster's regions and ingested into the stores leading them.
//
// A job is opened, written to any number of times, then finished. Finishing
// seals the job's staging store, cuts it into segments, splits every
// segment at region boundaries and ingests the resulting SSTs, retrying
// through leadership changes and region splits. The job is closed once
// every sub-segment was ingested, and failed otherwise; a failed job may be
// finished again. Cleanup aborts a running finish and discards the job.
package importer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/bulk"
	"github.com/cockroachdb/kvimport/pkg/kv/kvclient/rangecache"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/storage/staging"
	"github.com/cockroachdb/kvimport/pkg/util/humanizeutil"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
)

// Options are the dependencies of an Importer.
type Options struct {
	Config Config
	// FS holds the import directory. Defaults to vfs.Default.
	FS       vfs.FS
	Topology rangecache.TopologyClient
	Client   bulk.IngestClient
	// Metrics defaults to unregistered metrics.
	Metrics *Metrics
}

// Importer serves import jobs.
type Importer struct {
	cfg        Config
	registry   *Registry
	cache      *rangecache.RegionCache
	dispatcher *bulk.Dispatcher
	metrics    *Metrics
}

// New returns an importer. Job directories left under the import directory
// by a previous process are removed.
func New(ctx context.Context, opts Options) (*Importer, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Topology == nil || opts.Client == nil {
		return nil, errors.AssertionFailedf("importer requires a topology and an ingest client")
	}
	fs := opts.FS
	if fs == nil {
		fs = vfs.Default
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	if _, err := staging.RemoveStale(ctx, fs, cfg.ImportDir); err != nil {
		return nil, err
	}

	cache := rangecache.NewRegionCache(opts.Topology, rangecache.Options{
		MaxEntries:   cfg.CacheSize,
		FetchTimeout: time.Duration(cfg.TopologyTimeout),
	})
	dispatcher := bulk.NewDispatcher(opts.Client, cache, cfg.DispatchConcurrency, bulk.DispatcherOptions{
		MaxAttempts:     cfg.IngestMaxAttempts,
		AttemptTimeout:  time.Duration(cfg.IngestTimeout),
		InitialBackoff:  time.Duration(cfg.InitialBackoff),
		MaxBackoff:      time.Duration(cfg.MaxBackoff),
		UploadRateLimit: int64(cfg.UploadSpeedLimit),
	}, metrics.Ingest)

	return &Importer{
		cfg:        cfg,
		registry:   NewRegistry(fs, cfg.ImportDir, cfg.MaxOpenJobs, metrics.OpenJobs),
		cache:      cache,
		dispatcher: dispatcher,
		metrics:    metrics,
	}, nil
}

// Open opens a job and returns its handle. If id is uuid.Nil a fresh handle
// is assigned; opening an open job again is allowed.
func (im *Importer) Open(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	j, err := im.registry.Create(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	return j.ID, nil
}

// Write stages kvs in the job. The batch is applied atomically; later
// writes of a key win over earlier ones.
func (im *Importer) Write(ctx context.Context, id uuid.UUID, kvs []kvpb.KeyValue) error {
	j, err := im.registry.Get(id)
	if err != nil {
		return err
	}
	store, err := j.writableStore()
	if err != nil {
		return err
	}
	if err := store.Write(kvs); err != nil {
		return errors.Wrapf(err, "writing to job %s", id)
	}
	var n int
	for i := range kvs {
		n += len(kvs[i].Key) + len(kvs[i].Value)
	}
	im.metrics.WrittenBytes.Add(float64(n))
	im.metrics.WrittenKeys.Add(float64(len(kvs)))
	return nil
}

// Finish seals the job and ingests it into the cluster. It returns once the
// job is closed, or with the error that failed it.
func (im *Importer) Finish(ctx context.Context, id uuid.UUID) error {
	j, err := im.registry.Get(id)
	if err != nil {
		return err
	}
	ctx = logtags.AddTag(ctx, "job", id.String())
	ctx, store, done, err := j.beginFinish(ctx)
	if err != nil {
		return err
	}
	defer close(done)

	start := time.Now()
	summary, err := im.importStore(ctx, j, store)
	j.endFinish(summary, err)
	if err != nil {
		im.metrics.FinishedJobs.WithLabelValues(JobFailed.String()).Inc()
		log.Warningf(ctx, "import failed after %s (%s): %v",
			time.Since(start), kvpb.ErrorCode(err), err)
		return err
	}
	im.metrics.FinishedJobs.WithLabelValues(JobClosed.String()).Inc()
	log.Infof(ctx, "imported %d segments (%s) in %s",
		summary.Segments, humanizeutil.IBytes(summary.Bytes), time.Since(start))
	return im.registry.release(j)
}

func (im *Importer) importStore(
	ctx context.Context, j *Job, store *staging.Store,
) (bulk.Summary, error) {
	if err := store.Seal(ctx); err != nil {
		return bulk.Summary{}, err
	}
	j.setState(JobImporting)

	b := bulk.NewSegmentBuilder(store, bulk.SegmentOptions{
		MaxSize:  int64(im.cfg.MaxSegmentSize),
		MaxCount: im.cfg.MaxSegmentKeys,
	})
	summary, err := im.dispatcher.Run(ctx, store, b)
	if cerr := b.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "closing segment builder")
	}
	return summary, err
}

// Cleanup aborts any running finish of the job, waits for it to return and
// discards the job with its staging store. If ctx is done before the finish
// returns, the job is discarded anyway and its staging store is dropped in
// the background; the context's error is returned. Cleaning up an unknown
// job is a no-op.
func (im *Importer) Cleanup(ctx context.Context, id uuid.UUID) error {
	j, err := im.registry.lookup(id)
	if err != nil {
		if errors.Is(err, kvpb.ErrNotFound) {
			return nil
		}
		return err
	}
	if done := j.abort(); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			// The job is unregistered now. Its staging store is still read
			// by the finish, so it is dropped once the finish returns.
			if j := im.registry.forget(id); j != nil {
				bgCtx := logtags.WithTags(context.Background(), logtags.FromContext(ctx))
				go func() {
					<-done
					if err := im.registry.release(j); err != nil {
						log.Warningf(bgCtx, "cleaning up job %s: %v", id, err)
					}
				}()
			}
			return errors.Wrapf(ctx.Err(), "waiting for job %s to abort", id)
		}
	}
	return im.registry.Remove(ctx, id)
}

// JobState returns a snapshot of the job. Closed jobs are reported until
// they are cleaned up.
func (im *Importer) JobState(id uuid.UUID) (JobStatus, error) {
	j, err := im.registry.lookup(id)
	if err != nil {
		return JobStatus{}, err
	}
	return j.Status(), nil
}

// Jobs returns a snapshot of every job, ordered by creation time.
func (im *Importer) Jobs() []JobStatus {
	jobs := im.registry.List()
	res := make([]JobStatus, len(jobs))
	for i, j := range jobs {
		res[i] = j.Status()
	}
	return res
}

// RegionCache returns the cache of region descriptors shared by all jobs.
func (im *Importer) RegionCache() *rangecache.RegionCache {
	return im.cache
}

// Close cleans up every job.
func (im *Importer) Close(ctx context.Context) error {
	var err error
	for _, j := range im.registry.List() {
		err = errors.CombineErrors(err, im.Cleanup(ctx, j.ID))
	}
	return err
}
