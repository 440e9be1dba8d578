// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package localcluster runs an in-process cluster for tests and demos. It
// serves a topology of regions over a set of stores, each backed by its own
// pebble instance, and ingests SSTs into the store leading the region they
// are addressed to. Regions can be split and their leadership moved while
// an import is running.
package localcluster

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/cockroachdb/kvimport/pkg/util/syncutil"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
)

// IngestFilter is called before a store handles an ingest request. A non-nil
// error is returned to the caller instead of handling the request.
type IngestFilter func(ctx context.Context, addr string, req *kvpb.IngestRequest) error

// Store is a store of the cluster.
type Store struct {
	ID   kvpb.StoreID
	Addr string

	dir string
	db  *pebble.DB

	ingested atomic.Int64
	down     atomic.Bool
}

// Ingested returns the number of SSTs the store ingested.
func (s *Store) Ingested() int64 {
	return s.ingested.Load()
}

// Cluster is an in-process cluster.
type Cluster struct {
	fs     vfs.FS
	stores []*Store
	byAddr map[string]*Store

	mu struct {
		syncutil.Mutex
		// regions are ordered by start key and tile the keyspace.
		regions []kvpb.RegionDescriptor
		// epoch is the last epoch handed out. Epochs are unique across
		// regions.
		epoch        uint64
		nextRegionID kvpb.RegionID
		filter       IngestFilter
		closed       bool
	}
}

// New starts a cluster of numStores stores on fs. The keyspace starts out as
// a single region led by the first store.
func New(ctx context.Context, fs vfs.FS, numStores int) (*Cluster, error) {
	if numStores <= 0 {
		return nil, errors.AssertionFailedf("cluster needs at least one store, got %d", numStores)
	}
	c := &Cluster{fs: fs, byAddr: make(map[string]*Store)}
	peers := make([]kvpb.Peer, numStores)
	for i := 0; i < numStores; i++ {
		s := &Store{
			ID:   kvpb.StoreID(i + 1),
			Addr: fmt.Sprintf("n%d", i+1),
			dir:  fmt.Sprintf("/cluster/s%d", i+1),
		}
		if err := fs.MkdirAll(fs.PathJoin(s.dir, "ingest"), 0755); err != nil {
			return nil, errors.CombineErrors(err, c.Close())
		}
		db, err := pebble.Open(fs.PathJoin(s.dir, "data"), &pebble.Options{FS: fs})
		if err != nil {
			return nil, errors.CombineErrors(errors.Wrapf(err, "opening store s%d", s.ID), c.Close())
		}
		s.db = db
		c.stores = append(c.stores, s)
		c.byAddr[s.Addr] = s
		peers[i] = kvpb.Peer{StoreID: s.ID, Addr: s.Addr}
	}
	c.mu.epoch = 1
	c.mu.nextRegionID = 2
	c.mu.regions = []kvpb.RegionDescriptor{{
		RegionID: 1,
		Epoch:    1,
		Leader:   peers[0],
		Peers:    peers,
	}}
	log.Infof(ctx, "started local cluster with %d stores", numStores)
	return c, nil
}

// Close stops every store.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.closed {
		return nil
	}
	c.mu.closed = true
	var err error
	for _, s := range c.stores {
		if s.db != nil {
			err = errors.CombineErrors(err, s.db.Close())
		}
	}
	return err
}

// Stores returns the stores of the cluster.
func (c *Cluster) Stores() []*Store {
	return c.stores
}

// Regions returns the current regions in key order.
func (c *Cluster) Regions() []kvpb.RegionDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kvpb.RegionDescriptor(nil), c.mu.regions...)
}

// SetIngestFilter installs f, or removes the current filter if f is nil.
func (c *Cluster) SetIngestFilter(f IngestFilter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.filter = f
}

// SetStoreDown makes the store reject every request as unavailable.
func (c *Cluster) SetStoreDown(id kvpb.StoreID, down bool) {
	c.stores[id-1].down.Store(down)
}

func (c *Cluster) findLocked(key kvpb.Key) int {
	i := sort.Search(len(c.mu.regions), func(i int) bool {
		return kvpb.BeforeEnd(key, c.mu.regions[i].EndKey)
	})
	if i == len(c.mu.regions) || !c.mu.regions[i].ContainsKey(key) {
		return -1
	}
	return i
}

func (c *Cluster) nextEpochLocked() uint64 {
	c.mu.epoch++
	return c.mu.epoch
}

// Split splits the region containing key at key. The left part keeps the
// region's id; both parts get a new epoch.
func (c *Cluster) Split(key kvpb.Key) (left, right kvpb.RegionDescriptor, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.findLocked(key)
	if i < 0 {
		return left, right, errors.Newf("no region contains %s", key)
	}
	orig := c.mu.regions[i]
	if orig.StartKey.Equal(key) {
		return left, right, errors.Newf("%s already starts at %s", orig, key)
	}
	epoch := c.nextEpochLocked()
	left, right = orig, orig
	left.EndKey = key.Clone()
	left.Epoch = epoch
	right.RegionID = c.mu.nextRegionID
	right.StartKey = key.Clone()
	right.Epoch = epoch
	c.mu.nextRegionID++

	regions := make([]kvpb.RegionDescriptor, 0, len(c.mu.regions)+1)
	regions = append(regions, c.mu.regions[:i]...)
	regions = append(regions, left, right)
	regions = append(regions, c.mu.regions[i+1:]...)
	c.mu.regions = regions
	return left, right, nil
}

// TransferLeader makes the given store lead the region. The region's epoch
// does not change.
func (c *Cluster) TransferLeader(id kvpb.RegionID, store kvpb.StoreID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.mu.regions {
		r := &c.mu.regions[i]
		if r.RegionID != id {
			continue
		}
		for _, p := range r.Peers {
			if p.StoreID == store {
				r.Leader = p
				return nil
			}
		}
		return errors.Newf("s%d holds no replica of r%d", store, id)
	}
	return errors.Newf("r%d not found", id)
}

// DescribeRegion implements the rangecache.TopologyClient interface.
func (c *Cluster) DescribeRegion(ctx context.Context, key kvpb.Key) (kvpb.RegionDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.findLocked(key)
	if i < 0 {
		return kvpb.RegionDescriptor{}, errors.Newf("no region contains %s", key)
	}
	return c.mu.regions[i], nil
}

// DescribeRange implements the rangecache.TopologyClient interface.
func (c *Cluster) DescribeRange(ctx context.Context, span kvpb.Span) ([]kvpb.RegionDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlappingLocked(span), nil
}

func (c *Cluster) overlappingLocked(span kvpb.Span) []kvpb.RegionDescriptor {
	var res []kvpb.RegionDescriptor
	for _, r := range c.mu.regions {
		if r.Span().Overlaps(span) {
			res = append(res, r)
		}
	}
	return res
}

// Ingest implements the bulk.IngestClient interface. The request is checked
// against the current region the way a store would: the region must still
// have the request's epoch and contain its span, the store must lead it and
// the SST must match its checksum.
func (c *Cluster) Ingest(ctx context.Context, addr string, req *kvpb.IngestRequest) error {
	c.mu.Lock()
	filter := c.mu.filter
	c.mu.Unlock()
	if filter != nil {
		if err := filter(ctx, addr, req); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s, ok := c.byAddr[addr]
	if !ok || s.down.Load() {
		return &kvpb.UnavailableError{Addr: addr, Reason: "store unreachable"}
	}
	meta := req.Meta
	if err := c.checkRegion(s, meta); err != nil {
		return err
	}
	if int64(len(req.Data)) != meta.Length {
		return errors.Newf("sst %s: length %d does not match %d", meta.UUID, len(req.Data), meta.Length)
	}
	if sum := xxhash.Sum64(req.Data); sum != meta.Checksum {
		return errors.Newf("sst %s: checksum %x does not match %x", meta.UUID, sum, meta.Checksum)
	}
	if err := s.ingest(c.fs, meta.UUID, req.Data); err != nil {
		return err
	}
	log.VEventf(ctx, 2, "s%d ingested %s into r%d (%d keys)", s.ID, meta.Span, meta.RegionID, meta.KVCount)
	return nil
}

func (c *Cluster) checkRegion(s *Store, meta kvpb.SSTMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.closed {
		return &kvpb.UnavailableError{Addr: s.Addr, Reason: "cluster stopped"}
	}
	for _, r := range c.mu.regions {
		if r.RegionID != meta.RegionID {
			continue
		}
		if r.Epoch != meta.Epoch || !r.Span().Contains(meta.Span) {
			return &kvpb.EpochNotMatchError{
				RegionID:     meta.RegionID,
				RequestEpoch: meta.Epoch,
				Current:      c.overlappingLocked(meta.Span),
			}
		}
		if r.Leader.StoreID != s.ID {
			leader := r.Leader
			return &kvpb.NotLeaderError{RegionID: r.RegionID, Leader: &leader}
		}
		return nil
	}
	return &kvpb.EpochNotMatchError{
		RegionID:     meta.RegionID,
		RequestEpoch: meta.Epoch,
		Current:      c.overlappingLocked(meta.Span),
	}
}

func (s *Store) ingest(fs vfs.FS, id uuid.UUID, data []byte) error {
	path := fs.PathJoin(s.dir, "ingest", id.String()+".sst")
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	// Writes may modify the slice they are given.
	_, err = f.Write(append([]byte(nil), data...))
	if err == nil {
		err = f.Sync()
	}
	err = errors.CombineErrors(err, f.Close())
	if err == nil {
		err = s.db.Ingest([]string{path})
	}
	err = errors.CombineErrors(err, fs.RemoveAll(path))
	if err != nil {
		return errors.Wrapf(err, "s%d: ingesting sst %s", s.ID, id)
	}
	s.ingested.Add(1)
	return nil
}

// Scan returns the entries ingested into span across all stores. Where
// several stores hold a key, the first store's value is returned.
func (c *Cluster) Scan(span kvpb.Span) ([]kvpb.KeyValue, error) {
	seen := make(map[string]struct{})
	var res []kvpb.KeyValue
	for _, s := range c.stores {
		opts := &pebble.IterOptions{LowerBound: span.Key}
		if len(span.EndKey) > 0 {
			opts.UpperBound = span.EndKey
		}
		it, err := s.db.NewIter(opts)
		if err != nil {
			return nil, err
		}
		for valid := it.First(); valid; valid = it.Next() {
			if _, ok := seen[string(it.Key())]; ok {
				continue
			}
			v, err := it.ValueAndErr()
			if err != nil {
				return nil, errors.CombineErrors(err, it.Close())
			}
			seen[string(it.Key())] = struct{}{}
			res = append(res, kvpb.KeyValue{
				Key:   kvpb.Key(it.Key()).Clone(),
				Value: append([]byte(nil), v...),
			})
		}
		if err := it.Close(); err != nil {
			return nil, err
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key.Compare(res[j].Key) < 0 })
	return res, nil
}
