// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package staging implements the per-job staging store: a disk-backed
// sorted key/value store that buffers a job's writes until the job is
// finished and its contents are cut into segments for ingestion.
//
// A store accepts duplicate keys. The last write of a key wins: pebble
// assigns each committed write an increasing sequence number and iteration
// surfaces only the newest version of each key.
package staging

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/cockroachdb/kvimport/pkg/util/syncutil"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Options configures a staging store.
type Options struct {
	// FS is the filesystem the store lives in. Defaults to vfs.Default.
	FS vfs.FS
	// MemTableSize is the size of a single pebble memtable.
	MemTableSize uint64
}

const defaultMemTableSize = 64 << 20

// Stats summarizes what has been written to a store.
type Stats struct {
	// Bytes is the sum of key and value lengths of every write, duplicates
	// included.
	Bytes int64
	// Entries is the number of writes, duplicates included.
	Entries int64
	// MinKey and MaxKey bound the keys seen so far.
	MinKey, MaxKey kvpb.Key
}

// Store is a per-job sorted staging store backed by its own pebble
// instance. Writes are linearized by the store; they may come from several
// goroutines.
type Store struct {
	dir string
	fs  vfs.FS
	db  *pebble.DB

	mu struct {
		syncutil.Mutex
		sealed  bool
		dropped bool
		stats   Stats
	}
}

// Open creates or reopens the store rooted at dir.
func Open(ctx context.Context, dir string, opts Options) (*Store, error) {
	if opts.FS == nil {
		opts.FS = vfs.Default
	}
	if opts.MemTableSize == 0 {
		opts.MemTableSize = defaultMemTableSize
	}
	if err := opts.FS.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating staging directory %s", dir)
	}
	pebbleOpts := &pebble.Options{
		FS:           opts.FS,
		MemTableSize: opts.MemTableSize,
		// Contents are made durable by Seal.
		DisableWAL: true,
		// Staged data is read back once, in order. L0 limits are raised so
		// writes never stall waiting for compactions.
		DisableAutomaticCompactions: true,
		L0CompactionThreshold:       1 << 20,
		L0StopWritesThreshold:       1 << 20,
		Logger:                      pebbleLogger{ctx: logtags.AddTag(ctx, "staging", nil)},
	}
	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening staging store %s", dir)
	}
	return &Store{dir: dir, fs: opts.FS, db: db}, nil
}

// Dir returns the directory holding the store.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) checkWritableLocked() error {
	s.mu.AssertHeld()
	if s.mu.dropped {
		return errors.Mark(errors.Newf("staging store %s was dropped", s.dir), kvpb.ErrNotFound)
	}
	if s.mu.sealed {
		return errors.Mark(errors.Newf("staging store %s is sealed", s.dir), kvpb.ErrInvalidState)
	}
	return nil
}

func (s *Store) recordLocked(key, value []byte) {
	st := &s.mu.stats
	st.Bytes += int64(len(key) + len(value))
	st.Entries++
	if st.MinKey == nil || kvpb.Key(key).Compare(st.MinKey) < 0 {
		st.MinKey = kvpb.Key(key).Clone()
	}
	if st.MaxKey == nil || kvpb.Key(key).Compare(st.MaxKey) > 0 {
		st.MaxKey = kvpb.Key(key).Clone()
	}
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return errors.WithHint(
			errors.Mark(errors.New("empty key"), kvpb.ErrInvalidState),
			"the empty key is reserved as the start of the keyspace")
	}
	return nil
}

// Put adds a single entry. It fails with InvalidState once the store is
// sealed.
func (s *Store) Put(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritableLocked(); err != nil {
		return err
	}
	if err := s.db.Set(key, value, pebble.NoSync); err != nil {
		return errors.Wrap(err, "staging write")
	}
	s.recordLocked(key, value)
	return nil
}

// Write adds a batch of entries atomically. Within the batch later entries
// win over earlier ones with the same key.
func (s *Store) Write(kvs []kvpb.KeyValue) error {
	for i := range kvs {
		if err := validateKey(kvs[i].Key); err != nil {
			return errors.Wrapf(err, "entry %d", i)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritableLocked(); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	for i := range kvs {
		if err := b.Set(kvs[i].Key, kvs[i].Value, nil); err != nil {
			return errors.Wrap(err, "staging batch")
		}
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return errors.Wrap(err, "staging batch commit")
	}
	for i := range kvs {
		s.recordLocked(kvs[i].Key, kvs[i].Value)
	}
	return nil
}

// Seal makes the store read-only and flushes its memtables. Sealing an
// already sealed store is a no-op.
func (s *Store) Seal(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.dropped {
		return errors.Mark(errors.Newf("staging store %s was dropped", s.dir), kvpb.ErrNotFound)
	}
	if s.mu.sealed {
		return nil
	}
	if err := s.db.Flush(); err != nil {
		return errors.Wrapf(err, "flushing staging store %s", s.dir)
	}
	s.mu.sealed = true
	log.VEventf(ctx, 1, "sealed staging store %s: %d entries", s.dir, s.mu.stats.Entries)
	return nil
}

// Sealed returns whether Seal has been called.
func (s *Store) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.sealed
}

// Stats returns a snapshot of the write statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.stats
}

// NewIter returns an iterator over the entries in span, in ascending key
// order. The store must be sealed. The iterator must be closed before the
// store is dropped.
func (s *Store) NewIter(span kvpb.Span) (*Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.dropped {
		return nil, errors.Mark(errors.Newf("staging store %s was dropped", s.dir), kvpb.ErrNotFound)
	}
	if !s.mu.sealed {
		return nil, errors.Mark(errors.Newf("staging store %s is not sealed", s.dir), kvpb.ErrInvalidState)
	}
	opts := &pebble.IterOptions{LowerBound: span.Key}
	if len(span.EndKey) > 0 {
		opts.UpperBound = span.EndKey
	}
	it, err := s.db.NewIter(opts)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "staging iterator"), kvpb.ErrCorruptStagingData)
	}
	return &Iterator{it: it}, nil
}

// Drop closes the store and deletes its on-disk state. Drop is idempotent.
func (s *Store) Drop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.dropped {
		return nil
	}
	s.mu.dropped = true
	closeErr := s.db.Close()
	if err := s.fs.RemoveAll(s.dir); err != nil {
		return errors.CombineErrors(errors.Wrapf(err, "removing %s", s.dir), closeErr)
	}
	return closeErr
}

// Iterator iterates over a sealed store. Key and Value return slices that
// are only valid until the next positioning call.
type Iterator struct {
	it *pebble.Iterator
}

// First positions the iterator on the first entry of its span.
func (i *Iterator) First() bool { return i.it.First() }

// SeekGE positions the iterator on the first entry with a key >= key.
func (i *Iterator) SeekGE(key kvpb.Key) bool { return i.it.SeekGE(key) }

// Next advances the iterator.
func (i *Iterator) Next() bool { return i.it.Next() }

// Valid returns whether the iterator is positioned on an entry.
func (i *Iterator) Valid() bool { return i.it.Valid() }

// Key returns the current key.
func (i *Iterator) Key() kvpb.Key { return i.it.Key() }

// Value returns the current value.
func (i *Iterator) Value() ([]byte, error) { return i.it.ValueAndErr() }

// Error returns any accumulated error.
func (i *Iterator) Error() error { return i.it.Error() }

// Close releases the iterator.
func (i *Iterator) Close() error { return i.it.Close() }

type pebbleLogger struct {
	ctx context.Context
}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	log.VEventf(l.ctx, 3, "%s", fmt.Sprintf(format, args...))
}

func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatalf(l.ctx, "%s", fmt.Sprintf(format, args...))
}
