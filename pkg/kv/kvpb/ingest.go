// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvpb

import "github.com/google/uuid"

// SSTMeta describes an SST file sent to a store for ingestion.
type SSTMeta struct {
	UUID     uuid.UUID
	Span     Span
	RegionID RegionID
	Epoch    uint64
	// Length and Checksum cover the encoded file; the destination verifies
	// them before ingesting.
	Length   int64
	Checksum uint64
	KVCount  int64
}

// IngestRequest asks a store to ingest an SST into a region it leads.
type IngestRequest struct {
	Meta SSTMeta
	Data []byte
}
