// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/kvimport/pkg/util/syncutil"
	"github.com/sirupsen/logrus"
)

// TestLogScope captures log output for the duration of a test. The output is
// replayed through t.Log if the test fails, and discarded otherwise.
//
// Use with:
//
//	defer log.Scope(t).Close(t)
type TestLogScope struct {
	prev *logrus.Logger
	buf  *lockedBuffer
}

type lockedBuffer struct {
	syncutil.Mutex
	bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.Lock()
	defer b.Unlock()
	return b.Buffer.Write(p)
}

func (b *lockedBuffer) String() string {
	b.Lock()
	defer b.Unlock()
	return b.Buffer.String()
}

// Scope redirects the process-wide logger into a buffer.
func Scope(t testing.TB) *TestLogScope {
	buf := &lockedBuffer{}
	l := newLogger()
	l.SetLevel(logrus.DebugLevel)
	l.SetOutput(buf)
	return &TestLogScope{prev: logging.logger.Swap(l), buf: buf}
}

// Close restores the previous logger, dumping the captured output if the
// test failed.
func (s *TestLogScope) Close(t testing.TB) {
	logging.logger.Store(s.prev)
	if t.Failed() {
		t.Logf("captured logs:\n%s", s.buf.String())
	}
}

// String returns the output captured so far.
func (s *TestLogScope) String() string {
	return s.buf.String()
}
