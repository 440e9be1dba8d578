// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package bulk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/util/humanizeutil"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/cockroachdb/redact"
)

type ingestionPerformanceStats struct {
	dataSize sz // bytes of SSTs ingested.

	segments         int // number of segments built.
	subSegments      int // number of sub-segments dispatched, re-split children included.
	emptySubSegments int // sub-segments completed without an ingest call.
	ingests          int // successful ingest calls.
	resplits         int // sub-segments abandoned on an epoch mismatch.

	notLeaderRetries   int // attempts retried after NotLeader.
	unavailableRetries int // attempts retried after Unavailable or a timeout.

	splitWait time.Duration // time spent splitting segments.
	buildWait time.Duration // time spent encoding SSTs.
	sendWait  time.Duration // time spent in ingest calls, retries included.

	sendWaitByStore map[kvpb.StoreID]time.Duration
}

func (s *ingestionPerformanceStats) add(o *ingestionPerformanceStats) {
	s.dataSize += o.dataSize
	s.segments += o.segments
	s.subSegments += o.subSegments
	s.emptySubSegments += o.emptySubSegments
	s.ingests += o.ingests
	s.resplits += o.resplits
	s.notLeaderRetries += o.notLeaderRetries
	s.unavailableRetries += o.unavailableRetries
	s.splitWait += o.splitWait
	s.buildWait += o.buildWait
	s.sendWait += o.sendWait
	for id, d := range o.sendWaitByStore {
		if s.sendWaitByStore == nil {
			s.sendWaitByStore = make(map[kvpb.StoreID]time.Duration)
		}
		s.sendWaitByStore[id] += d
	}
}

func (s *ingestionPerformanceStats) recordSend(store kvpb.StoreID, d time.Duration) {
	s.sendWait += d
	if s.sendWaitByStore == nil {
		s.sendWaitByStore = make(map[kvpb.StoreID]time.Duration)
	}
	s.sendWaitByStore[store] += d
}

func (s ingestionPerformanceStats) summary() Summary {
	return Summary{
		Segments:         s.segments,
		SubSegments:      s.subSegments,
		EmptySubSegments: s.emptySubSegments,
		Ingested:         s.ingests,
		Resplits:         s.resplits,
		Bytes:            int64(s.dataSize),
	}
}

func (s ingestionPerformanceStats) LogTimings(ctx context.Context, action string) {
	log.Infof(ctx,
		"ingest %s; ingested %s in %d segments, %d sub-segments (%d empty, %d re-split): %s splitting; %s building; %s sending",
		redact.Safe(action),
		s.dataSize,
		s.segments,
		s.subSegments,
		s.emptySubSegments,
		s.resplits,
		timing(s.splitWait),
		timing(s.buildWait),
		timing(s.sendWait),
	)
	if s.notLeaderRetries > 0 || s.unavailableRetries > 0 {
		log.Infof(ctx, "ingest %s; retried %d times after NotLeader, %d times after Unavailable",
			redact.Safe(action), s.notLeaderRetries, s.unavailableRetries)
	}
}

func (s ingestionPerformanceStats) LogPerStoreTimings(ctx context.Context) {
	if len(s.sendWaitByStore) == 0 {
		return
	}
	ids := make([]kvpb.StoreID, 0, len(s.sendWaitByStore))
	for i := range s.sendWaitByStore {
		ids = append(ids, i)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sb strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&sb, "%d: %s;", id, timing(s.sendWaitByStore[id]))
	}
	log.Infof(ctx, "ingest waited on sending to: %s", redact.Safe(sb.String()))
}

// Summary reports what a job's ingestion did.
type Summary struct {
	Segments         int
	SubSegments      int
	EmptySubSegments int
	Ingested         int
	Resplits         int
	Bytes            int64
}

type sz int64

func (b sz) String() string { return humanizeutil.IBytes(int64(b)) }
func (b sz) SafeValue()     {}

type timing time.Duration

func (t timing) String() string { return humanizeutil.FormatDuration(time.Duration(t)) }
func (t timing) SafeValue()     {}
