// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package exit defines the exit codes of the kv-importer binary.
package exit

import (
	"os"
	"strconv"
)

// Code is a process exit code.
type Code struct {
	code int
}

// String returns the numeric code.
func (c Code) String() string {
	return strconv.Itoa(c.code)
}

// Success (0) represents a normal process termination.
func Success() Code { return Code{0} }

// UnspecifiedError (1) indicates the process has terminated with an
// error condition. The specific cause of the error can be found in
// the logging output.
func UnspecifiedError() Code { return Code{1} }

// Interrupted (3) indicates the process was interrupted with Ctrl+C /
// SIGINT.
func Interrupted() Code { return Code{3} }

// CommandLineFlagError (4) indicates there was an error in the
// command-line parameters or the configuration file.
func CommandLineFlagError() Code { return Code{4} }

// Codes that are specific to client commands follow. Command-specific exit
// codes are allocated down from 125.

// ImportFailed indicates that an import job did not ingest all of its
// data into the cluster.
func ImportFailed() Code { return Code{125} }

// WithCode terminates the process with the given code.
func WithCode(code Code) {
	os.Exit(code.code)
}
