// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rangecache

import "time"

const (
	testTimeout = 10 * time.Second
	tick        = time.Millisecond
)
