// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/kvimport/pkg/util/humanizeutil"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"github.com/stretchr/testify/require"
)

func TestFormatWithContextTags(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, "hello", FormatWithContextTags(ctx, "hello"))

	ctx = logtags.AddTag(ctx, "job", "j1")
	ctx = logtags.AddTag(ctx, "r", 7)
	require.Equal(t, "[job=j1,r7] wrote 3 keys",
		FormatWithContextTags(ctx, "wrote %d keys", 3))

	// Safe values and unsafe values alike are rendered without markers.
	require.Equal(t, "[job=j1,r7] 1.0 KiB to foo",
		FormatWithContextTags(ctx, "%s to %s", humanizeutil.ByteSize(1024), "foo"))
	require.Equal(t, "[job=j1,r7] ok", FormatWithContextTags(ctx, "%s", redact.Safe("ok")))
}

func TestScopeCapturesOutput(t *testing.T) {
	sc := Scope(t)
	defer sc.Close(t)

	ctx := logtags.AddTag(context.Background(), "seg", 4)
	Infof(ctx, "staged %d entries", 10)
	Warningf(ctx, "retrying")
	VEventf(ctx, 2, "invisible")
	defer SetVerbosity(2)()
	VEventf(ctx, 2, "visible")

	out := sc.String()
	require.Contains(t, out, "[seg=4] staged 10 entries")
	require.Contains(t, out, "retrying")
	require.Contains(t, out, "visible")
	require.NotContains(t, out, "invisible")
	require.Contains(t, out, "log_test.go")
}

func TestFatalfUsesExitFunc(t *testing.T) {
	defer Scope(t).Close(t)
	var code int
	SetExitFunc(func(c int) { code = c })
	defer ResetExitFunc()
	Fatalf(context.Background(), "boom")
	require.Equal(t, 255, code)
}

func TestSetup(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.File = filepath.Join(dir, "logs", "importer.log")
	cfg.Format = "json"
	cleanup, err := Setup(cfg)
	require.NoError(t, err)
	Infof(context.Background(), "to file")
	cleanup()

	b, err := os.ReadFile(cfg.File)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"to file"`)

	_, err = Setup(Config{Level: "loud", Format: "text"})
	require.Error(t, err)
	_, err = Setup(Config{Level: "info", Format: "xml"})
	require.Error(t, err)
}

func TestEveryN(t *testing.T) {
	e := Every(time.Minute)
	now := time.Now()
	require.True(t, e.shouldLog(now))
	require.False(t, e.shouldLog(now.Add(time.Second)))
	require.True(t, e.shouldLog(now.Add(2*time.Minute)))
}
