// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package log implements context-aware leveled logging. Messages are
// prefixed with the logging tags attached to the context (see
// github.com/cockroachdb/logtags) and rendered through redact, then handed to
// a logrus logger configured by Setup.
package log

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"github.com/sirupsen/logrus"
)

// Severity is the severity of a log message.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityFatal:
		return "FATAL"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

func (s Severity) level() logrus.Level {
	switch s {
	case SeverityWarning:
		return logrus.WarnLevel
	case SeverityError:
		return logrus.ErrorLevel
	case SeverityFatal:
		return logrus.FatalLevel
	}
	return logrus.InfoLevel
}

var logging struct {
	logger    atomic.Pointer[logrus.Logger]
	verbosity atomic.Int32
}

func init() {
	logging.logger.Store(newLogger())
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	// Fatal messages go through our own exit path.
	l.ExitFunc = func(int) {}
	return l
}

func logger() *logrus.Logger {
	return logging.logger.Load()
}

// V returns whether verbose logging at the given level is enabled.
func V(level int32) bool {
	return logging.verbosity.Load() >= level
}

// SetVerbosity sets the verbosity threshold used by V and VEventf. It
// returns a function restoring the previous value.
func SetVerbosity(level int32) func() {
	prev := logging.verbosity.Swap(level)
	return func() { logging.verbosity.Store(prev) }
}

// Infof logs to the INFO severity.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, SeverityInfo, format, args)
}

// Info logs a message to the INFO severity.
func Info(ctx context.Context, msg string) {
	logDepth(ctx, 1, SeverityInfo, msg, nil)
}

// Warningf logs to the WARNING severity.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, SeverityWarning, format, args)
}

// Errorf logs to the ERROR severity.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, SeverityError, format, args)
}

// Fatalf logs to the FATAL severity and then exits the process, unless an
// exit function was installed with SetExitFunc.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, SeverityFatal, format, args)
	exit(255)
}

// VEventf logs to the INFO severity if the verbosity is at least level.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		logDepth(ctx, 1, SeverityInfo, format, args)
	}
}

// InfofDepth logs to the INFO severity, attributing the message to the
// caller depth frames up the stack.
func InfofDepth(ctx context.Context, depth int, format string, args ...interface{}) {
	logDepth(ctx, depth+1, SeverityInfo, format, args)
}

func logDepth(ctx context.Context, depth int, sev Severity, format string, args []interface{}) {
	l := logger()
	lvl := sev.level()
	if !l.IsLevelEnabled(lvl) {
		return
	}
	entry := l.WithField("caller", caller(depth+1))
	entry.Log(lvl, FormatWithContextTags(ctx, format, args...))
}

func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// FormatWithContextTags formats the string and prepends the context tags.
// Redaction markers are stripped from the result.
func FormatWithContextTags(ctx context.Context, format string, args ...interface{}) string {
	var buf strings.Builder
	if tags := logtags.FromContext(ctx); tags != nil && len(tags.Get()) > 0 {
		buf.WriteByte('[')
		buf.WriteString(tags.String())
		buf.WriteString("] ")
	}
	if len(args) == 0 {
		buf.WriteString(format)
	} else {
		buf.WriteString(redact.Sprintf(format, args...).StripMarkers())
	}
	return buf.String()
}
