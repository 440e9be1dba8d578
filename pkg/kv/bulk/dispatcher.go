// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package bulk

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/cockroachdb/kvimport/pkg/util/retry"
	"github.com/cockroachdb/kvimport/pkg/util/syncutil"
	"github.com/cockroachdb/logtags"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// IngestClient sends SSTs to the storage nodes of the cluster.
//
// Ingest returns *kvpb.NotLeaderError, *kvpb.EpochNotMatchError or
// *kvpb.UnavailableError for conditions that can be retried. Any other error
// is fatal to the job.
type IngestClient interface {
	Ingest(ctx context.Context, addr string, req *kvpb.IngestRequest) error
}

//go:generate mockgen -package bulk -destination mocks_generated_test.go . IngestClient
//go:generate mockgen -package bulk -destination topology_mocks_generated_test.go github.com/cockroachdb/kvimport/pkg/kv/kvclient/rangecache TopologyClient

// SegmentSource yields the segments of a job in key order.
type SegmentSource interface {
	Next(ctx context.Context) (Segment, bool, error)
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// MaxAttempts bounds the ingest calls made for a sub-segment, counting
	// those made for the sub-segment it was re-split from.
	MaxAttempts int
	// AttemptTimeout bounds a single ingest call.
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// UploadRateLimit bounds the bytes per second sent by all jobs. Zero
	// disables the limit.
	UploadRateLimit int64
}

const (
	defaultMaxAttempts    = 8
	defaultAttemptTimeout = time.Minute
)

// AttemptOutcome classifies the result of an ingest attempt.
type AttemptOutcome int

const (
	// AttemptSucceeded means the region ingested the SST.
	AttemptSucceeded AttemptOutcome = iota
	// AttemptRetryable means the attempt failed for a reason the dispatcher
	// can recover from.
	AttemptRetryable
	// AttemptFatal means the attempt failed the job.
	AttemptFatal
)

func (o AttemptOutcome) String() string {
	switch o {
	case AttemptSucceeded:
		return "ok"
	case AttemptRetryable:
		return "retryable"
	case AttemptFatal:
		return "fatal"
	}
	return "unknown"
}

// Attempt is the record of a single ingest call.
type Attempt struct {
	Outcome AttemptOutcome
	// Reason is set for retryable and fatal outcomes.
	Reason kvpb.Code
	// Epoch and Leader are what the request was addressed with.
	Epoch  uint64
	Leader kvpb.Peer
	Err    error
}

type taskState int

const (
	statePending taskState = iota
	stateRetrying
	stateDone
	stateFailed
	// stateAbandoned means the task was replaced by its re-split children.
	stateAbandoned
)

func (s taskState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateRetrying:
		return "retrying"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	case stateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// ingestTask tracks a sub-segment through the dispatcher.
type ingestTask struct {
	sub      SubSegment
	state    taskState
	attempts int
	last     Attempt
}

func (t *ingestTask) record(a Attempt) {
	t.last = a
	if a.Outcome == AttemptRetryable {
		t.state = stateRetrying
	}
}

// Dispatcher ingests the sub-segments of jobs into the cluster. A Dispatcher
// is shared by all jobs; the number of concurrent ingest tasks across jobs is
// bounded by the worker budget it was created with.
type Dispatcher struct {
	client   IngestClient
	cache    RegionCache
	splitter *Splitter
	workers  *semaphore.Weighted
	limiter  *rate.Limiter
	metrics  *Metrics
	opts     DispatcherOptions

	// unavailableLog rate limits the warnings about unreachable leaders.
	unavailableLog *log.EveryN
}

// NewDispatcher creates a dispatcher running at most concurrency ingest
// tasks at a time.
func NewDispatcher(
	client IngestClient, cache RegionCache, concurrency int, opts DispatcherOptions, metrics *Metrics,
) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	d := &Dispatcher{
		client:   client,
		cache:    cache,
		splitter: NewSplitter(cache),
		workers:  semaphore.NewWeighted(int64(concurrency)),
		metrics:  metrics,
		opts:     opts,

		unavailableLog: log.Every(10 * time.Second),
	}
	if opts.UploadRateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.UploadRateLimit), int(opts.UploadRateLimit))
	}
	return d
}

// Run splits and ingests every segment of segs, reading the data of each
// sub-segment from src. It returns once every sub-segment was ingested, or
// with the first error that failed the job, after all of the job's in-flight
// attempts have returned.
func (d *Dispatcher) Run(ctx context.Context, src StagingReader, segs SegmentSource) (Summary, error) {
	var mu struct {
		syncutil.Mutex
		stats ingestionPerformanceStats
	}
	merge := func(s *ingestionPerformanceStats) {
		mu.Lock()
		defer mu.Unlock()
		mu.stats.add(s)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var st ingestionPerformanceStats
		defer merge(&st)
		for {
			seg, ok, err := segs.Next(gctx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			st.segments++
			d.metrics.Segments.Inc()

			segCtx := logtags.AddTag(gctx, "seg", seg.Index)
			start := time.Now()
			subs, err := d.splitter.Split(segCtx, &seg)
			st.splitWait += time.Since(start)
			if err != nil {
				return errors.Wrapf(err, "splitting %s", seg)
			}
			log.VEventf(segCtx, 2, "%s split into %d sub-segments", seg, len(subs))

			for _, sub := range subs {
				if err := d.workers.Acquire(gctx, 1); err != nil {
					return err
				}
				sub := sub
				g.Go(func() error {
					defer d.workers.Release(1)
					var st ingestionPerformanceStats
					defer merge(&st)
					return d.ingest(segCtx, src, sub, &st)
				})
			}
		}
	})
	err := g.Wait()

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		mu.stats.LogTimings(ctx, "failed")
	} else {
		mu.stats.LogTimings(ctx, "complete")
	}
	mu.stats.LogPerStoreTimings(ctx)
	return mu.stats.summary(), err
}

// ingest runs sub and the sub-segments it is re-split into to completion.
func (d *Dispatcher) ingest(
	ctx context.Context, src StagingReader, sub SubSegment, st *ingestionPerformanceStats,
) error {
	queue := []*ingestTask{{sub: sub}}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		st.subSegments++
		d.metrics.SubSegments.Inc()

		children, err := d.runTask(ctx, src, t, st)
		if err != nil {
			return err
		}
		queue = append(queue, children...)
	}
	return nil
}

// runTask drives t from Pending to Done, Failed or Abandoned. Abandoned
// tasks return the children that replace them.
func (d *Dispatcher) runTask(
	ctx context.Context, src StagingReader, t *ingestTask, st *ingestionPerformanceStats,
) ([]*ingestTask, error) {
	ctx = logtags.AddTag(ctx, "r", t.sub.Region.RegionID)

	start := time.Now()
	payload, err := buildSST(ctx, src, t.sub.Span, d.metrics.SSTBufferBytes)
	st.buildWait += time.Since(start)
	if err != nil {
		t.state = stateFailed
		return nil, errors.Wrapf(err, "building sst for %s", t.sub)
	}
	defer payload.release()

	if t.sub.coversSegment() && payload.rawChecksum != t.sub.Segment.Checksum {
		t.state = stateFailed
		return nil, errors.Mark(
			errors.AssertionFailedf("%s: checksum %x does not match segment checksum %x",
				t.sub, payload.rawChecksum, t.sub.Segment.Checksum),
			kvpb.ErrCorruptStagingData)
	}
	if payload.empty() {
		log.VEventf(ctx, 2, "%s is empty", t.sub)
		t.state = stateDone
		st.emptySubSegments++
		return nil, nil
	}

	r := retry.StartWithCtx(ctx, retry.Options{
		InitialBackoff: d.opts.InitialBackoff,
		MaxBackoff:     d.opts.MaxBackoff,
		Multiplier:     2,
	})
	// The first call returns immediately; later ones back off.
	r.Next()
	for {
		if t.attempts >= d.opts.MaxAttempts {
			t.state = stateFailed
			err := errors.Newf("ingesting %s: giving up after %d attempts", t.sub, t.attempts)
			if t.last.Err != nil {
				err = errors.Wrapf(t.last.Err, "ingesting %s: giving up after %d attempts", t.sub, t.attempts)
			}
			return nil, errors.Mark(err, kvpb.ErrRetryExhausted)
		}
		t.attempts++
		a := d.attempt(ctx, t, payload, st)
		t.record(a)

		switch a.Outcome {
		case AttemptSucceeded:
			t.state = stateDone
			st.ingests++
			st.dataSize += sz(len(payload.data()))
			log.VEventf(ctx, 2, "ingested %s (%d keys) after %d attempts", t.sub, payload.kvCount, t.attempts)
			return nil, nil
		case AttemptFatal:
			t.state = stateFailed
			return nil, a.Err
		}

		switch a.Reason {
		case kvpb.CodeNotLeader:
			st.notLeaderRetries++
			moved, err := d.handleNotLeader(ctx, t, a.Err)
			if err != nil {
				if ctx.Err() != nil {
					t.state = stateFailed
					return nil, errors.Wrapf(ctx.Err(), "ingesting %s", t.sub)
				}
				log.Warningf(ctx, "resolving leader of %s: %v", t.sub, err)
				if !r.Next() {
					t.state = stateFailed
					return nil, errors.Wrapf(ctx.Err(), "ingesting %s", t.sub)
				}
				continue
			}
			if moved {
				return d.abandon(ctx, t, nil, st)
			}

		case kvpb.CodeEpochStale:
			return d.abandon(ctx, t, a.Err, st)

		default:
			st.unavailableRetries++
			if d.unavailableLog.ShouldLog() {
				log.Warningf(ctx, "%s unavailable on %s (attempt %d): %v", t.sub, a.Leader, t.attempts, a.Err)
			} else {
				log.VEventf(ctx, 1, "%s unavailable on %s (attempt %d): %v", t.sub, a.Leader, t.attempts, a.Err)
			}
			if !r.Next() {
				t.state = stateFailed
				return nil, errors.Wrapf(ctx.Err(), "ingesting %s", t.sub)
			}
		}
	}
}

// attempt sends the payload of t to the leader of its region once.
func (d *Dispatcher) attempt(
	ctx context.Context, t *ingestTask, payload *sstPayload, st *ingestionPerformanceStats,
) Attempt {
	region := t.sub.Region
	a := Attempt{Epoch: region.Epoch}
	target, ok := region.Target()
	if !ok {
		a.Outcome = AttemptRetryable
		a.Reason = kvpb.CodeNotLeader
		a.Err = &kvpb.NotLeaderError{RegionID: region.RegionID}
		d.metrics.IngestAttempts.WithLabelValues(outcomeNotLeader).Inc()
		return a
	}
	a.Leader = target

	data := payload.data()
	req := &kvpb.IngestRequest{
		Meta: kvpb.SSTMeta{
			UUID:     uuid.New(),
			Span:     t.sub.Span,
			RegionID: region.RegionID,
			Epoch:    region.Epoch,
			Length:   int64(len(data)),
			Checksum: payload.checksum,
			KVCount:  payload.kvCount,
		},
		Data: data,
	}
	if err := d.throttle(ctx, len(data)); err != nil {
		a.Outcome = AttemptFatal
		a.Err = errors.Wrapf(err, "throttling %s", t.sub)
		return a
	}

	start := time.Now()
	err := func() error {
		actx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		defer cancel()
		return d.client.Ingest(actx, target.Addr, req)
	}()
	took := time.Since(start)
	st.recordSend(target.StoreID, took)
	d.metrics.AttemptLatency.Observe(took.Seconds())

	if err == nil {
		a.Outcome = AttemptSucceeded
		d.metrics.IngestAttempts.WithLabelValues(outcomeSuccess).Inc()
		d.metrics.IngestedBytes.Add(float64(len(data)))
		return a
	}
	if ctx.Err() != nil {
		a.Outcome = AttemptFatal
		a.Err = errors.Wrapf(ctx.Err(), "ingesting %s", t.sub)
		d.metrics.IngestAttempts.WithLabelValues(outcomeFatal).Inc()
		return a
	}
	a.Err = err
	switch code := kvpb.ErrorCode(err); code {
	case kvpb.CodeNotLeader:
		a.Outcome, a.Reason = AttemptRetryable, code
		d.metrics.IngestAttempts.WithLabelValues(outcomeNotLeader).Inc()
	case kvpb.CodeEpochStale:
		a.Outcome, a.Reason = AttemptRetryable, code
		d.metrics.IngestAttempts.WithLabelValues(outcomeEpochStale).Inc()
	case kvpb.CodeUnavailable:
		a.Outcome, a.Reason = AttemptRetryable, code
		d.metrics.IngestAttempts.WithLabelValues(outcomeUnavailable).Inc()
	default:
		a.Outcome, a.Reason = AttemptFatal, kvpb.CodeOtherFatal
		a.Err = errors.Mark(errors.Wrapf(err, "ingesting %s into %s", t.sub, target), kvpb.ErrOtherFatal)
		d.metrics.IngestAttempts.WithLabelValues(outcomeFatal).Inc()
	}
	return a
}

// handleNotLeader points t at the region's new leader: the hint carried by
// err if there is one, or else whatever the topology service reports. It
// returns true if the key range of t now belongs to another region or to a
// newer epoch of its region, in which case t must be re-split.
func (d *Dispatcher) handleNotLeader(
	ctx context.Context, t *ingestTask, err error,
) (moved bool, _ error) {
	var nle *kvpb.NotLeaderError
	if errors.As(err, &nle) && nle.Leader != nil && !nle.Leader.IsZero() {
		t.sub.Region = d.cache.UpdateLeader(ctx, t.sub.Region, *nle.Leader)
		log.VEventf(ctx, 1, "%s: leader moved to %s", t.sub, nle.Leader)
		return false, nil
	}
	d.cache.EvictLeader(ctx, t.sub.Region)
	desc, err := d.cache.LookupKey(ctx, t.sub.Span.Key)
	if err != nil {
		return false, err
	}
	if desc.RegionID != t.sub.Region.RegionID || desc.Epoch > t.sub.Region.Epoch {
		log.VEventf(ctx, 1, "%s: re-resolved to %s", t.sub, desc)
		return true, nil
	}
	t.sub.Region = desc
	log.VEventf(ctx, 1, "%s: re-resolved leader %s", t.sub, desc.Leader)
	return false, nil
}

// abandon re-splits t after the topology changed under it.
func (d *Dispatcher) abandon(
	ctx context.Context, t *ingestTask, err error, st *ingestionPerformanceStats,
) ([]*ingestTask, error) {
	children, err := d.resplit(ctx, t, err)
	if err != nil {
		t.state = stateFailed
		return nil, err
	}
	t.state = stateAbandoned
	st.resplits++
	d.metrics.Resplits.Inc()
	return children, nil
}

// resplit cuts the span of t against the regions now covering it. err is the
// epoch mismatch that caused it, if any. The children inherit t's attempt
// count.
func (d *Dispatcher) resplit(ctx context.Context, t *ingestTask, err error) ([]*ingestTask, error) {
	d.cache.Invalidate(ctx, t.sub.Region)
	var enm *kvpb.EpochNotMatchError
	if errors.As(err, &enm) && len(enm.Current) > 0 {
		d.cache.Insert(ctx, enm.Current...)
	}
	subs, serr := d.splitter.SplitSpan(ctx, t.sub.Segment, t.sub.Span)
	if serr != nil {
		return nil, errors.Wrapf(serr, "re-splitting %s", t.sub)
	}
	log.VEventf(ctx, 1, "%s: epoch %d is stale; re-split into %d sub-segments",
		t.sub, t.sub.Region.Epoch, len(subs))
	children := make([]*ingestTask, len(subs))
	for i, s := range subs {
		children[i] = &ingestTask{sub: s, attempts: t.attempts, last: t.last}
	}
	return children, nil
}

// throttle waits until n bytes may be sent.
func (d *Dispatcher) throttle(ctx context.Context, n int) error {
	if d.limiter == nil {
		return nil
	}
	burst := d.limiter.Burst()
	for n > 0 {
		c := n
		if c > burst {
			c = burst
		}
		if err := d.limiter.WaitN(ctx, c); err != nil {
			return err
		}
		n -= c
	}
	return nil
}
