// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"bytes"
	"context"
	stdLog "log"
	"regexp"
)

// NewStdLogger creates a *stdLog.Logger that forwards messages to this
// package's logger with the specified severity. It is used for net/http
// server error logs.
func NewStdLogger(sev Severity, prefix string) *stdLog.Logger {
	return stdLog.New(logBridge(sev), prefix, 0)
}

type logBridge Severity

var ignoredLogMessagesRe = regexp.MustCompile(
	// The HTTP package complains when a client opens a TCP connection
	// and immediately closes it. We don't care.
	`^.*http: TLS handshake error from .*: EOF\s*$`,
)

// Write implements io.Writer.
func (lb logBridge) Write(b []byte) (int, error) {
	if ignoredLogMessagesRe.Match(b) {
		return len(b), nil
	}
	msg := string(bytes.TrimRight(b, "\n"))
	logDepth(context.Background(), 3, Severity(lb), msg, nil)
	return len(b), nil
}
