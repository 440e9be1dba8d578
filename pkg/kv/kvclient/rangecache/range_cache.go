// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package rangecache caches the region topology of the destination cluster.
package rangecache

import (
	"container/list"
	"context"
	"sort"
	"time"

	"github.com/biogo/store/llrb"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/cockroachdb/kvimport/pkg/util/syncutil"
	"github.com/cockroachdb/redact"
	"golang.org/x/sync/singleflight"
)

// TopologyClient is the interface to the external topology service. It may
// return stale data; staleness is detected by epoch mismatches on ingest.
type TopologyClient interface {
	// DescribeRegion returns the region containing key.
	DescribeRegion(ctx context.Context, key kvpb.Key) (kvpb.RegionDescriptor, error)
	// DescribeRange returns the regions intersecting span, in any order.
	DescribeRange(ctx context.Context, span kvpb.Span) ([]kvpb.RegionDescriptor, error)
}

// Options configures a RegionCache.
type Options struct {
	// MaxEntries bounds the number of cached descriptors. Once exceeded, the
	// oldest insertions are evicted first. Zero means unbounded.
	MaxEntries int
	// FetchTimeout bounds a single call to the topology service.
	FetchTimeout time.Duration
}

const defaultFetchTimeout = 10 * time.Second

// cacheEntry is the element type of the tree. Entries are ordered by start
// key. Query entries used to seek the tree set max to sort after every key.
type cacheEntry struct {
	desc kvpb.RegionDescriptor
	max  bool
	elem *list.Element
}

// Compare implements the llrb.Comparable interface.
func (e *cacheEntry) Compare(b llrb.Comparable) int {
	o := b.(*cacheEntry)
	switch {
	case e.max && o.max:
		return 0
	case e.max:
		return 1
	case o.max:
		return -1
	}
	return e.desc.StartKey.Compare(o.desc.StartKey)
}

func keyQuery(k kvpb.Key) *cacheEntry {
	return &cacheEntry{desc: kvpb.RegionDescriptor{StartKey: k}}
}

func endQuery(k kvpb.Key) *cacheEntry {
	if len(k) == 0 {
		return &cacheEntry{max: true}
	}
	return keyQuery(k)
}

// RegionCache caches region descriptors keyed by start key. Cached
// descriptors never overlap. It is safe for concurrent use and is meant to
// be shared by all jobs of a process.
type RegionCache struct {
	client TopologyClient
	opts   Options

	lookupRequests singleflight.Group

	mu struct {
		syncutil.RWMutex
		tree llrb.Tree
		// order tracks insertion order for eviction.
		order *list.List
		// stale maps a region to the highest epoch invalidated for it.
		// Descriptors at or below that epoch are not cached again. A mark
		// is dropped once a newer descriptor of the region is cached.
		stale map[kvpb.RegionID]uint64
	}
}

// NewRegionCache returns a cache backed by client.
func NewRegionCache(client TopologyClient, opts Options) *RegionCache {
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	rc := &RegionCache{client: client, opts: opts}
	rc.mu.order = list.New()
	rc.mu.stale = make(map[kvpb.RegionID]uint64)
	return rc
}

// Len returns the number of cached descriptors.
func (rc *RegionCache) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.mu.tree.Len()
}

// LookupKey returns the region containing key, consulting the topology
// service on a miss.
func (rc *RegionCache) LookupKey(ctx context.Context, key kvpb.Key) (kvpb.RegionDescriptor, error) {
	rc.mu.RLock()
	e := rc.getLocked(key)
	rc.mu.RUnlock()
	if e != nil {
		return e.desc, nil
	}

	res, err := rc.coalesce(ctx, "key:"+string(key), func(ctx context.Context) ([]kvpb.RegionDescriptor, error) {
		// A lookup that completed between our cache check and joining the
		// flight may have filled the cache already.
		rc.mu.RLock()
		e := rc.getLocked(key)
		rc.mu.RUnlock()
		if e != nil {
			return []kvpb.RegionDescriptor{e.desc}, nil
		}
		desc, err := rc.client.DescribeRegion(ctx, key)
		if err != nil {
			return nil, err
		}
		return []kvpb.RegionDescriptor{desc}, nil
	})
	if err != nil {
		return kvpb.RegionDescriptor{}, errors.Wrapf(err, "looking up region for key %s", key)
	}
	for _, d := range res {
		if d.ContainsKey(key) {
			return d, nil
		}
	}
	return kvpb.RegionDescriptor{}, errors.Mark(
		errors.Newf("topology service returned no region containing %s", key), kvpb.ErrTopologyGap)
}

// LookupRange returns the descriptors intersecting span ordered by start key.
// Parts of span not covered by the cache are fetched from the topology
// service. The result may still leave gaps if the topology service does not
// cover span; callers detect those.
func (rc *RegionCache) LookupRange(ctx context.Context, span kvpb.Span) ([]kvpb.RegionDescriptor, error) {
	rc.mu.RLock()
	cached, gaps := rc.scanLocked(span)
	rc.mu.RUnlock()
	if len(gaps) == 0 {
		return cached, nil
	}

	var fetched []kvpb.RegionDescriptor
	for _, gap := range gaps {
		res, err := rc.fetchRange(ctx, gap)
		if err != nil {
			return nil, err
		}
		fetched = append(fetched, res...)
	}
	return mergeDescriptors(span, fetched, cached), nil
}

// Refresh re-fetches span from the topology service, replacing whatever the
// cache holds for it, and returns the descriptors intersecting span.
func (rc *RegionCache) Refresh(ctx context.Context, span kvpb.Span) ([]kvpb.RegionDescriptor, error) {
	res, err := rc.fetchRange(ctx, span)
	if err != nil {
		return nil, err
	}
	return mergeDescriptors(span, res, nil), nil
}

// Insert adds descriptors obtained out of band, such as the current regions
// reported by an epoch mismatch.
func (rc *RegionCache) Insert(ctx context.Context, descs ...kvpb.RegionDescriptor) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.insertLocked(ctx, descs)
}

// Invalidate evicts desc and marks its region stale up to desc's epoch, so
// that a concurrent fetch returning the same or an older descriptor does not
// put it back.
func (rc *RegionCache) Invalidate(ctx context.Context, desc kvpb.RegionDescriptor) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if cur, ok := rc.mu.stale[desc.RegionID]; !ok || desc.Epoch > cur {
		rc.mu.stale[desc.RegionID] = desc.Epoch
	}
	n := rc.evictLocked(desc, func(e *cacheEntry) bool {
		return e.desc.RegionID == desc.RegionID && e.desc.Epoch <= desc.Epoch
	})
	log.VEventf(ctx, 2, "invalidated r%d at epoch %d (%d evicted)", desc.RegionID, desc.Epoch, n)
}

// EvictLeader evicts the cached descriptor of desc's region if it still
// names the same leader, forcing the next lookup to re-resolve it. Unlike
// Invalidate, the region's epoch is not marked stale.
func (rc *RegionCache) EvictLeader(ctx context.Context, desc kvpb.RegionDescriptor) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.evictLocked(desc, func(e *cacheEntry) bool {
		return e.desc.RegionID == desc.RegionID && e.desc.Leader == desc.Leader
	})
}

// UpdateLeader records a new leader for the cached descriptor of desc's
// region, if the cached epoch matches desc's. It returns desc with the new
// leader.
func (rc *RegionCache) UpdateLeader(
	ctx context.Context, desc kvpb.RegionDescriptor, leader kvpb.Peer,
) kvpb.RegionDescriptor {
	desc.Leader = leader
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if e := rc.getLocked(desc.StartKey); e != nil &&
		e.desc.RegionID == desc.RegionID && e.desc.Epoch == desc.Epoch {
		e.desc.Leader = leader
	}
	return desc
}

func (rc *RegionCache) fetchRange(ctx context.Context, span kvpb.Span) ([]kvpb.RegionDescriptor, error) {
	res, err := rc.coalesce(ctx, "span:"+string(span.Key)+"\x00"+string(span.EndKey),
		func(ctx context.Context) ([]kvpb.RegionDescriptor, error) {
			return rc.client.DescribeRange(ctx, span)
		})
	if err != nil {
		return nil, errors.Wrapf(err, "describing %s", span)
	}
	return res, nil
}

// coalesce runs fetch once for concurrent callers sharing key. The fetch
// runs detached from the caller's cancellation, bounded by FetchTimeout, so
// that one caller giving up does not fail the others. Valid descriptors are
// inserted into the cache; invalid ones are dropped.
func (rc *RegionCache) coalesce(
	ctx context.Context,
	key string,
	fetch func(ctx context.Context) ([]kvpb.RegionDescriptor, error),
) ([]kvpb.RegionDescriptor, error) {
	ch := rc.lookupRequests.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.opts.FetchTimeout)
		defer cancel()
		descs, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		valid := descs[:0:0]
		for _, d := range descs {
			if err := d.Validate(); err != nil {
				log.Warningf(ctx, "ignoring descriptor from topology service: %v", err)
				continue
			}
			valid = append(valid, d)
		}
		rc.mu.Lock()
		rc.insertLocked(ctx, valid)
		rc.mu.Unlock()
		return valid, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]kvpb.RegionDescriptor), nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for topology lookup")
	}
}

func (rc *RegionCache) getLocked(key kvpb.Key) *cacheEntry {
	rc.mu.AssertRHeld()
	c := rc.mu.tree.Floor(keyQuery(key))
	if c == nil {
		return nil
	}
	e := c.(*cacheEntry)
	if !e.desc.ContainsKey(key) {
		return nil
	}
	return e
}

// visitOverlappingLocked calls fn on every cached entry overlapping span in
// key order.
func (rc *RegionCache) visitOverlappingLocked(span kvpb.Span, fn func(e *cacheEntry)) {
	if !span.Valid() {
		return
	}
	var overlapping []*cacheEntry
	if c := rc.mu.tree.Floor(keyQuery(span.Key)); c != nil {
		if e := c.(*cacheEntry); e.desc.StartKey.Compare(span.Key) < 0 && e.desc.Span().Overlaps(span) {
			overlapping = append(overlapping, e)
		}
	}
	rc.mu.tree.DoRange(func(c llrb.Comparable) bool {
		overlapping = append(overlapping, c.(*cacheEntry))
		return false
	}, keyQuery(span.Key), endQuery(span.EndKey))
	for _, e := range overlapping {
		fn(e)
	}
}

// scanLocked returns the cached descriptors intersecting span and the
// sub-spans of span not covered by any of them.
func (rc *RegionCache) scanLocked(span kvpb.Span) (descs []kvpb.RegionDescriptor, gaps []kvpb.Span) {
	rc.mu.AssertRHeld()
	cursor := span.Key
	done := false
	rc.visitOverlappingLocked(span, func(e *cacheEntry) {
		if done {
			return
		}
		if e.desc.StartKey.Compare(cursor) > 0 {
			gaps = append(gaps, kvpb.Span{Key: cursor, EndKey: e.desc.StartKey})
		}
		descs = append(descs, e.desc)
		if len(e.desc.EndKey) == 0 {
			done = true
			return
		}
		cursor = e.desc.EndKey
	})
	if !done && kvpb.BeforeEnd(cursor, span.EndKey) {
		gaps = append(gaps, kvpb.Span{Key: cursor, EndKey: span.EndKey})
	}
	return descs, gaps
}

func (rc *RegionCache) insertLocked(ctx context.Context, descs []kvpb.RegionDescriptor) {
	rc.mu.AssertHeld()
	for _, d := range descs {
		if d.Validate() != nil {
			continue
		}
		if epoch, ok := rc.mu.stale[d.RegionID]; ok && d.Epoch <= epoch {
			log.VEventf(ctx, 2, "not caching stale descriptor %s", d)
			continue
		}
		var newer bool
		var overlapping []*cacheEntry
		rc.visitOverlappingLocked(d.Span(), func(e *cacheEntry) {
			if e.desc.Epoch > d.Epoch {
				newer = true
			}
			overlapping = append(overlapping, e)
		})
		if newer {
			continue
		}
		for _, e := range overlapping {
			rc.removeLocked(e)
		}
		e := &cacheEntry{desc: d}
		e.elem = rc.mu.order.PushBack(e)
		rc.mu.tree.Insert(e)
		// The cached descriptor supersedes the stale mark: older overlapping
		// descriptors are rejected by the epoch check above.
		delete(rc.mu.stale, d.RegionID)
	}
	for rc.opts.MaxEntries > 0 && rc.mu.tree.Len() > rc.opts.MaxEntries {
		rc.removeLocked(rc.mu.order.Front().Value.(*cacheEntry))
	}
}

func (rc *RegionCache) evictLocked(desc kvpb.RegionDescriptor, pred func(*cacheEntry) bool) int {
	rc.mu.AssertHeld()
	var victims []*cacheEntry
	rc.visitOverlappingLocked(desc.Span(), func(e *cacheEntry) {
		if pred(e) {
			victims = append(victims, e)
		}
	})
	for _, e := range victims {
		rc.removeLocked(e)
	}
	return len(victims)
}

func (rc *RegionCache) removeLocked(e *cacheEntry) {
	rc.mu.tree.Delete(e)
	rc.mu.order.Remove(e.elem)
}

// mergeDescriptors combines fresh and cached descriptors into a single list
// ordered by start key and clipped to those intersecting span. Where the two
// overlap the fresh descriptor wins.
func mergeDescriptors(span kvpb.Span, fresh, cached []kvpb.RegionDescriptor) []kvpb.RegionDescriptor {
	res := make([]kvpb.RegionDescriptor, 0, len(fresh)+len(cached))
	for _, d := range fresh {
		if d.Span().Valid() && d.Span().Overlaps(span) {
			res = append(res, d)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartKey.Compare(res[j].StartKey) < 0 })
	// A descriptor overlapping an earlier fresh one is a leftover of a
	// topology change; keep the first.
	res = dedupOverlapping(res)
	n := len(res)
	for _, d := range cached {
		overlaps := false
		for _, f := range res[:n] {
			if f.Span().Overlaps(d.Span()) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			res = append(res, d)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartKey.Compare(res[j].StartKey) < 0 })
	return res
}

func dedupOverlapping(sorted []kvpb.RegionDescriptor) []kvpb.RegionDescriptor {
	out := sorted[:0]
	for _, d := range sorted {
		if len(out) > 0 {
			last := out[len(out)-1]
			if last.Span().Overlaps(d.Span()) {
				if d.Epoch > last.Epoch {
					out[len(out)-1] = d
				}
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// String renders the cache contents, for debugging and tests.
func (rc *RegionCache) String() string {
	return redact.StringWithoutMarkers(rc)
}

// SafeFormat implements the redact.SafeFormatter interface.
func (rc *RegionCache) SafeFormat(w redact.SafePrinter, _ rune) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	rc.mu.tree.Do(func(c llrb.Comparable) bool {
		w.Printf("%s\n", redact.Safe(c.(*cacheEntry).desc.String()))
		return false
	})
}
