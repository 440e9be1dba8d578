// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package bulk

import (
	"context"
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/util/log"
)

// RegionCache is the view of the cluster topology used to split and
// dispatch. It is implemented by *rangecache.RegionCache.
type RegionCache interface {
	LookupRange(ctx context.Context, span kvpb.Span) ([]kvpb.RegionDescriptor, error)
	Refresh(ctx context.Context, span kvpb.Span) ([]kvpb.RegionDescriptor, error)
	LookupKey(ctx context.Context, key kvpb.Key) (kvpb.RegionDescriptor, error)
	Insert(ctx context.Context, descs ...kvpb.RegionDescriptor)
	Invalidate(ctx context.Context, desc kvpb.RegionDescriptor)
	UpdateLeader(ctx context.Context, desc kvpb.RegionDescriptor, leader kvpb.Peer) kvpb.RegionDescriptor
	EvictLeader(ctx context.Context, desc kvpb.RegionDescriptor)
}

// SubSegment is the part of a segment that falls within a single region.
type SubSegment struct {
	Span kvpb.Span
	// Region is the descriptor the sub-segment was cut against.
	Region kvpb.RegionDescriptor
	// Segment is the segment the sub-segment was cut from.
	Segment *Segment
}

func (s SubSegment) String() string {
	return fmt.Sprintf("%s in r%d@e%d", s.Span, s.Region.RegionID, s.Region.Epoch)
}

// coversSegment returns whether the sub-segment spans its whole segment.
func (s SubSegment) coversSegment() bool {
	return s.Segment != nil && s.Span.Equal(s.Segment.Span)
}

// Splitter cuts segments along region boundaries.
type Splitter struct {
	cache RegionCache
}

// NewSplitter returns a splitter consulting cache.
func NewSplitter(cache RegionCache) *Splitter {
	return &Splitter{cache: cache}
}

// Split cuts seg into sub-segments, ordered by key, that together cover
// exactly seg's span and each lie within one region.
func (s *Splitter) Split(ctx context.Context, seg *Segment) ([]SubSegment, error) {
	return s.SplitSpan(ctx, seg, seg.Span)
}

// SplitSpan cuts span, a part of seg, into sub-segments. If the cache does
// not cover span, the span is refreshed from the topology service once
// before giving up with a TopologyGap error.
func (s *Splitter) SplitSpan(ctx context.Context, seg *Segment, span kvpb.Span) ([]SubSegment, error) {
	descs, err := s.cache.LookupRange(ctx, span)
	if err != nil {
		return nil, err
	}
	subs, gap := cut(seg, span, descs)
	if gap == nil {
		return subs, nil
	}
	log.VEventf(ctx, 1, "topology gap at %s splitting %s; refreshing", *gap, span)
	if descs, err = s.cache.Refresh(ctx, span); err != nil {
		return nil, err
	}
	subs, gap = cut(seg, span, descs)
	if gap != nil {
		return nil, errors.Mark(
			errors.Newf("no region covers %s of %s", *gap, span), kvpb.ErrTopologyGap)
	}
	return subs, nil
}

// cut walks descs in start key order and cuts span at every region boundary
// strictly inside it. It returns the first uncovered part of span, if any.
func cut(seg *Segment, span kvpb.Span, descs []kvpb.RegionDescriptor) ([]SubSegment, *kvpb.Span) {
	sorted := make([]kvpb.RegionDescriptor, len(descs))
	copy(sorted, descs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartKey.Compare(sorted[j].StartKey) < 0
	})

	var subs []SubSegment
	cursor := span.Key
	for _, d := range sorted {
		if !kvpb.BeforeEnd(cursor, span.EndKey) {
			break
		}
		if !d.Span().Valid() || !kvpb.BeforeEnd(cursor, d.EndKey) {
			// Empty, or entirely before the cursor.
			continue
		}
		if d.StartKey.Compare(cursor) > 0 {
			return nil, &kvpb.Span{Key: cursor, EndKey: d.StartKey}
		}
		end := span.EndKey
		if kvpb.CompareEndKeys(d.EndKey, end) < 0 {
			end = d.EndKey
		}
		subs = append(subs, SubSegment{
			Span:    kvpb.Span{Key: cursor, EndKey: end},
			Region:  d,
			Segment: seg,
		})
		if len(end) == 0 {
			// Reached the end of the keyspace.
			return subs, nil
		}
		cursor = end
	}
	if kvpb.BeforeEnd(cursor, span.EndKey) {
		return nil, &kvpb.Span{Key: cursor, EndKey: span.EndKey}
	}
	return subs, nil
}
