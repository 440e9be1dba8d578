// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package bulk

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/storage/staging"
	"github.com/cockroachdb/kvimport/pkg/util/log"
)

// StagingReader is the read side of a sealed staging store.
type StagingReader interface {
	NewIter(span kvpb.Span) (*staging.Iterator, error)
}

// Segment is a contiguous key range of a sealed staging store. Segments are
// produced in key order and never overlap; each one is consumed once.
type Segment struct {
	// Index is the position of the segment in the job's sequence.
	Index int
	Span  kvpb.Span
	// Size is the sum of key and value lengths.
	Size  int64
	Count int64
	// Checksum covers the raw entries, see entryChecksum.
	Checksum uint64
}

func (s Segment) String() string {
	return fmt.Sprintf("seg%d %s (%d keys, %s)", s.Index, s.Span, s.Count, sz(s.Size))
}

// SegmentOptions bounds the segments produced by a SegmentBuilder.
type SegmentOptions struct {
	// MaxSize bounds the raw size of a segment. A single entry larger than
	// MaxSize forms a segment of its own.
	MaxSize int64
	// MaxCount bounds the number of entries of a segment.
	MaxCount int64
}

// entryChecksum accumulates a checksum over length-prefixed keys and values.
type entryChecksum struct {
	d   *xxhash.Digest
	buf [binary.MaxVarintLen64]byte
}

func newEntryChecksum() entryChecksum {
	return entryChecksum{d: xxhash.New()}
}

func (c *entryChecksum) add(key, value []byte) {
	n := binary.PutUvarint(c.buf[:], uint64(len(key)))
	_, _ = c.d.Write(c.buf[:n])
	_, _ = c.d.Write(key)
	n = binary.PutUvarint(c.buf[:], uint64(len(value)))
	_, _ = c.d.Write(c.buf[:n])
	_, _ = c.d.Write(value)
}

func (c *entryChecksum) sum() uint64 {
	return c.d.Sum64()
}

func corruptf(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), kvpb.ErrCorruptStagingData)
}

// SegmentBuilder cuts a sealed staging store into segments. Segments are
// produced lazily: the store is read only as far as the last segment
// returned.
type SegmentBuilder struct {
	src  StagingReader
	opts SegmentOptions

	it    *staging.Iterator
	index int
	done  bool
}

// NewSegmentBuilder returns a builder over src.
func NewSegmentBuilder(src StagingReader, opts SegmentOptions) *SegmentBuilder {
	return &SegmentBuilder{src: src, opts: opts}
}

// Next returns the next segment. It returns false once the store is
// exhausted. Segment i's EndKey equals segment i+1's Key; the last segment
// ends right after the last key.
func (b *SegmentBuilder) Next(ctx context.Context) (Segment, bool, error) {
	if b.done {
		return Segment{}, false, nil
	}
	if b.it == nil {
		it, err := b.src.NewIter(kvpb.Span{})
		if err != nil {
			return Segment{}, false, err
		}
		b.it = it
		if !it.First() {
			return b.finish()
		}
	} else if !b.it.Valid() {
		return b.finish()
	}
	if err := ctx.Err(); err != nil {
		return Segment{}, false, err
	}

	seg := Segment{Index: b.index, Span: kvpb.Span{Key: b.it.Key().Clone()}}
	sum := newEntryChecksum()
	var lastKey kvpb.Key
	for b.it.Valid() {
		key := b.it.Key()
		value, err := b.it.Value()
		if err != nil {
			return Segment{}, false, corruptf(err, "reading value of %s", key)
		}
		entrySize := int64(len(key) + len(value))
		if seg.Count > 0 {
			if (b.opts.MaxSize > 0 && seg.Size+entrySize > b.opts.MaxSize) ||
				(b.opts.MaxCount > 0 && seg.Count >= b.opts.MaxCount) {
				// Cut before this entry.
				seg.Span.EndKey = key.Clone()
				break
			}
		} else if b.opts.MaxSize > 0 && entrySize > b.opts.MaxSize {
			log.Warningf(ctx, "entry at %s of %s exceeds the segment size limit %s",
				key, sz(entrySize), sz(b.opts.MaxSize))
		}
		sum.add(key, value)
		seg.Size += entrySize
		seg.Count++
		lastKey = append(lastKey[:0], key...)
		b.it.Next()
	}
	if err := b.it.Error(); err != nil {
		return Segment{}, false, corruptf(err, "iterating staging store")
	}
	if seg.Span.EndKey == nil {
		seg.Span.EndKey = lastKey.Next()
	}
	seg.Checksum = sum.sum()
	b.index++
	log.VEventf(ctx, 2, "built %s", seg)
	return seg, true, nil
}

func (b *SegmentBuilder) finish() (Segment, bool, error) {
	b.done = true
	if err := b.it.Error(); err != nil {
		return Segment{}, false, corruptf(err, "iterating staging store")
	}
	return Segment{}, false, nil
}

// Close releases the builder's iterator. It must be called before the
// store is dropped.
func (b *SegmentBuilder) Close() error {
	if b.it == nil {
		return nil
	}
	it := b.it
	b.it = nil
	b.done = true
	return it.Close()
}
