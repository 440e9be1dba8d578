// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package bulk

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/pebble/sstable"
	"github.com/prometheus/client_golang/prometheus"
)

// sstPayload is a sub-segment rendered as an SST, ready to be sent.
type sstPayload struct {
	file *accountedMemFile

	kvCount int64
	rawSize int64
	// rawChecksum covers the entries the same way Segment.Checksum does.
	rawChecksum uint64
	// checksum and length cover the encoded SST.
	checksum uint64
}

func (p *sstPayload) empty() bool {
	return p.kvCount == 0
}

func (p *sstPayload) data() []byte {
	if p.file == nil {
		return nil
	}
	return p.file.Data()
}

func (p *sstPayload) release() {
	if p.file != nil {
		p.file.Release()
	}
}

// buildSST reads span from src and encodes it as an SST. Only the entries
// within span are read. An empty span yields an empty payload and no SST.
func buildSST(
	ctx context.Context, src StagingReader, span kvpb.Span, gauge prometheus.Gauge,
) (_ *sstPayload, retErr error) {
	it, err := src.NewIter(span)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := it.Close(); err != nil && retErr == nil {
			retErr = corruptf(err, "closing staging iterator")
		}
	}()

	p := &sstPayload{}
	if !it.First() {
		if err := it.Error(); err != nil {
			return nil, corruptf(err, "reading %s", span)
		}
		return p, nil
	}

	p.file = makeAccountedMemFile(gauge)
	w := sstable.NewWriter(p.file, sstable.WriterOptions{})
	defer func() {
		if retErr != nil {
			p.release()
		}
	}()
	sum := newEntryChecksum()
	for ; it.Valid(); it.Next() {
		key := it.Key()
		value, err := it.Value()
		if err != nil {
			_ = w.Close()
			return nil, corruptf(err, "reading value of %s", key)
		}
		if err := w.Set(key, value); err != nil {
			_ = w.Close()
			return nil, errors.Wrapf(err, "writing %s to sst", key)
		}
		sum.add(key, value)
		p.kvCount++
		p.rawSize += int64(len(key) + len(value))
	}
	if err := it.Error(); err != nil {
		_ = w.Close()
		return nil, corruptf(err, "reading %s", span)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "finishing sst")
	}
	p.rawChecksum = sum.sum()
	p.checksum = xxhash.Sum64(p.file.Data())
	return p, nil
}
