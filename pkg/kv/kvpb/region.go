// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvpb

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// RegionID identifies a region of the destination cluster.
type RegionID uint64

// StoreID identifies a storage node of the destination cluster.
type StoreID uint64

// Peer is a replica of a region hosted on a store.
type Peer struct {
	StoreID StoreID
	Addr    string
}

// IsZero returns whether the peer is unset.
func (p Peer) IsZero() bool {
	return p.StoreID == 0 && p.Addr == ""
}

func (p Peer) String() string {
	return fmt.Sprintf("s%d@%s", p.StoreID, p.Addr)
}

// RegionDescriptor is a snapshot of a region's boundaries and ownership as
// reported by the topology service. Descriptors are values: a changed region
// is described by a new descriptor with a higher epoch, never by mutating an
// existing one.
type RegionDescriptor struct {
	RegionID RegionID
	StartKey Key
	// EndKey is exclusive. An empty EndKey means the region extends to the
	// end of the keyspace.
	EndKey Key
	// Epoch changes whenever the region's boundaries or ownership change.
	Epoch  uint64
	Leader Peer
	Peers  []Peer
}

// Span returns the key range of the region.
func (r *RegionDescriptor) Span() Span {
	return Span{Key: r.StartKey, EndKey: r.EndKey}
}

// ContainsKey returns whether the region contains the key.
func (r *RegionDescriptor) ContainsKey(key Key) bool {
	return r.Span().ContainsKey(key)
}

// Target returns the peer requests for this region should be sent to: the
// leader if it is known, otherwise the first peer.
func (r *RegionDescriptor) Target() (Peer, bool) {
	if !r.Leader.IsZero() {
		return r.Leader, true
	}
	if len(r.Peers) > 0 {
		return r.Peers[0], true
	}
	return Peer{}, false
}

// Validate checks that the descriptor describes a non-empty key range.
func (r *RegionDescriptor) Validate() error {
	if !r.Span().Valid() {
		return errors.AssertionFailedf("region r%d has empty span %s", r.RegionID, r.Span())
	}
	return nil
}

func (r RegionDescriptor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "r%d:%s e%d", r.RegionID, r.Span(), r.Epoch)
	if !r.Leader.IsZero() {
		fmt.Fprintf(&b, " leader=%s", r.Leader)
	}
	return b.String()
}
