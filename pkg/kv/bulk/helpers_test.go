// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package bulk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/kvclient/rangecache"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/storage/staging"
	"github.com/cockroachdb/kvimport/pkg/util/syncutil"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestStore returns a sealed staging store holding kvs. It is dropped
// when the test ends.
func newTestStore(t *testing.T, kvs []kvpb.KeyValue) *staging.Store {
	t.Helper()
	ctx := context.Background()
	s, err := staging.Open(ctx, "/import/"+uuid.New().String(), staging.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Drop()) })
	if len(kvs) > 0 {
		require.NoError(t, s.Write(kvs))
	}
	require.NoError(t, s.Seal(ctx))
	return s
}

// makeKVs returns n entries with keys k0000, k0001, ...
func makeKVs(n int, valueSize int) []kvpb.KeyValue {
	kvs := make([]kvpb.KeyValue, n)
	for i := range kvs {
		v := []byte(fmt.Sprintf("v%04d", i))
		for len(v) < valueSize {
			v = append(v, '.')
		}
		kvs[i] = kvpb.KeyValue{Key: kvpb.Key(fmt.Sprintf("k%04d", i)), Value: v}
	}
	return kvs
}

// staticTopology serves a settable list of regions.
type staticTopology struct {
	mu struct {
		syncutil.Mutex
		regions []kvpb.RegionDescriptor
	}
	calls atomic.Int32
}

func newStaticTopology(regions []kvpb.RegionDescriptor) *staticTopology {
	f := &staticTopology{}
	f.set(regions)
	return f
}

func (f *staticTopology) set(regions []kvpb.RegionDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.regions = regions
}

func (f *staticTopology) DescribeRegion(
	ctx context.Context, key kvpb.Key,
) (kvpb.RegionDescriptor, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.mu.regions {
		if r.ContainsKey(key) {
			return r, nil
		}
	}
	return kvpb.RegionDescriptor{}, errors.Newf("no region for %s", key)
}

func (f *staticTopology) DescribeRange(
	ctx context.Context, span kvpb.Span,
) ([]kvpb.RegionDescriptor, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []kvpb.RegionDescriptor
	for _, r := range f.mu.regions {
		if r.Span().Overlaps(span) {
			res = append(res, r)
		}
	}
	return res, nil
}

var _ rangecache.TopologyClient = (*staticTopology)(nil)

func parseKey(s string) kvpb.Key {
	if s == "-" {
		return nil
	}
	return kvpb.Key(s)
}

func storePeer(id uint64) kvpb.Peer {
	return kvpb.Peer{StoreID: kvpb.StoreID(id), Addr: fmt.Sprintf("n%d", id)}
}

// parseRegions parses lines of the form "r<id> <start> <end> e<epoch>
// [s<leader>]", where "-" denotes an empty key.
func parseRegions(t *testing.T, input string) []kvpb.RegionDescriptor {
	t.Helper()
	var res []kvpb.RegionDescriptor
	for _, line := range strings.Split(strings.TrimSpace(input), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		require.True(t, len(fields) == 4 || len(fields) == 5, "bad region line %q", line)
		id, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "r"), 10, 64)
		require.NoError(t, err)
		epoch, err := strconv.ParseUint(strings.TrimPrefix(fields[3], "e"), 10, 64)
		require.NoError(t, err)
		desc := kvpb.RegionDescriptor{
			RegionID: kvpb.RegionID(id),
			StartKey: parseKey(fields[1]),
			EndKey:   parseKey(fields[2]),
			Epoch:    epoch,
		}
		if len(fields) == 5 {
			store, err := strconv.ParseUint(strings.TrimPrefix(fields[4], "s"), 10, 64)
			require.NoError(t, err)
			desc.Leader = storePeer(store)
			desc.Peers = []kvpb.Peer{desc.Leader}
		}
		res = append(res, desc)
	}
	return res
}
