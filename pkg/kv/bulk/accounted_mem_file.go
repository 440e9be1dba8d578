// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package bulk

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/objstorage"
	"github.com/prometheus/client_golang/prometheus"
)

// accountedMemFile is an in-memory objstorage.Writable that SSTs are built
// into before being sent. The memory it holds is reported to a gauge until
// Release is called.
type accountedMemFile struct {
	buf      []byte
	finished bool
	aborted  bool

	gauge     prometheus.Gauge
	accounted int
}

var _ objstorage.Writable = (*accountedMemFile)(nil)

func makeAccountedMemFile(gauge prometheus.Gauge) *accountedMemFile {
	return &accountedMemFile{gauge: gauge}
}

// Write implements the objstorage.Writable interface.
func (f *accountedMemFile) Write(p []byte) error {
	if f.finished || f.aborted {
		return errors.AssertionFailedf("write to closed mem file")
	}
	oldCap := cap(f.buf)
	f.buf = append(f.buf, p...)
	f.account(cap(f.buf) - oldCap)
	return nil
}

// Finish implements the objstorage.Writable interface.
func (f *accountedMemFile) Finish() error {
	f.finished = true
	return nil
}

// Abort implements the objstorage.Writable interface.
func (f *accountedMemFile) Abort() {
	f.aborted = true
	f.Release()
}

// Data returns the finished file contents.
func (f *accountedMemFile) Data() []byte {
	return f.buf
}

// Release drops the buffer and its accounting.
func (f *accountedMemFile) Release() {
	f.account(-f.accounted)
	f.buf = nil
}

func (f *accountedMemFile) account(delta int) {
	if delta == 0 {
		return
	}
	f.accounted += delta
	if f.gauge != nil {
		f.gauge.Add(float64(delta))
	}
}
