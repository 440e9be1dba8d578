// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvpb

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Key is a raw user key. Keys are ordered bytewise.
type Key []byte

// KeyMin is the minimum key. It is also used as the start key of the first
// region.
var KeyMin = Key(nil)

// Compare compares the two keys.
func (k Key) Compare(o Key) int {
	return bytes.Compare(k, o)
}

// Equal returns whether two keys are identical.
func (k Key) Equal(o Key) bool {
	return bytes.Equal(k, o)
}

// Next returns the next key in lexicographic sort order. The method may only
// take a shallow copy of the Key, so both the receiver and the return value
// should be treated as immutable after.
func (k Key) Next() Key {
	return append(k[:len(k):len(k)], 0)
}

// Clone returns a copy of the key.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	c := make(Key, len(k))
	copy(c, k)
	return c
}

// String returns a printable form of the key. Printable ASCII keys are
// quoted, anything else is rendered as hex.
func (k Key) String() string {
	if len(k) == 0 {
		return "/Min"
	}
	if utf8.Valid(k) && isPrintable(k) {
		return strconv.Quote(string(k))
	}
	return fmt.Sprintf("%x", []byte(k))
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// BeforeEnd returns true if key sorts before end. An empty end key denotes
// the end of the keyspace and sorts after every key.
func BeforeEnd(key, end Key) bool {
	return len(end) == 0 || key.Compare(end) < 0
}

// CompareEndKeys compares two exclusive end keys, treating an empty end key
// as +infinity.
func CompareEndKeys(a, b Key) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return 1
	case len(b) == 0:
		return -1
	}
	return a.Compare(b)
}

// Span is a key range [Key, EndKey). An empty EndKey means the span extends
// to the end of the keyspace.
type Span struct {
	Key    Key
	EndKey Key
}

// Valid returns whether the span has a strictly positive length.
func (s Span) Valid() bool {
	return BeforeEnd(s.Key, s.EndKey)
}

// ContainsKey returns whether the span contains the given key.
func (s Span) ContainsKey(key Key) bool {
	return key.Compare(s.Key) >= 0 && BeforeEnd(key, s.EndKey)
}

// Contains returns whether the receiver contains the given span.
func (s Span) Contains(o Span) bool {
	return o.Key.Compare(s.Key) >= 0 && CompareEndKeys(o.EndKey, s.EndKey) <= 0
}

// Overlaps returns whether the two spans share at least one key.
func (s Span) Overlaps(o Span) bool {
	return BeforeEnd(s.Key, o.EndKey) && BeforeEnd(o.Key, s.EndKey)
}

// Intersect returns the intersection of the two spans. The result is
// invalid if they do not overlap.
func (s Span) Intersect(o Span) Span {
	res := s
	if o.Key.Compare(res.Key) > 0 {
		res.Key = o.Key
	}
	if CompareEndKeys(o.EndKey, res.EndKey) < 0 {
		res.EndKey = o.EndKey
	}
	return res
}

// Equal returns whether the spans are identical.
func (s Span) Equal(o Span) bool {
	return s.Key.Equal(o.Key) && s.EndKey.Equal(o.EndKey)
}

func (s Span) String() string {
	end := "/Max"
	if len(s.EndKey) > 0 {
		end = s.EndKey.String()
	}
	return fmt.Sprintf("[%s, %s)", s.Key, end)
}

// KeyValue is a single staged entry.
type KeyValue struct {
	Key   Key
	Value []byte
}
