// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package importer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/kvimport/pkg/util/humanizeutil"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "importer.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	defer log.Scope(t).Close(t)

	path := writeConfig(t, `
import-dir = "/data/import"
max-open-jobs = 2
max-segment-size = "64MiB"
ingest-timeout = "30s"
upload-speed-limit = "10MiB"

[log]
level = "debug"
verbosity = 2
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	exp := DefaultConfig()
	exp.ImportDir = "/data/import"
	exp.MaxOpenJobs = 2
	exp.MaxSegmentSize = 64 << 20
	exp.IngestTimeout = humanizeutil.Duration(30 * time.Second)
	exp.UploadSpeedLimit = 10 << 20
	exp.Log.Level = "debug"
	exp.Log.Verbosity = 2
	require.Equal(t, exp, cfg)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	defer log.Scope(t).Close(t)

	path := writeConfig(t, `
max-open-jobs = 2
region-split-size = "96MiB"

[log]
colour = true
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown configuration keys: log.colour, region-split-size")
}

func TestLoadConfigValidates(t *testing.T) {
	defer log.Scope(t).Close(t)

	_, err := LoadConfig(writeConfig(t, `
initial-backoff = "5s"
max-backoff = "1s"
`))
	require.ErrorContains(t, err, "max-backoff 1s is smaller than initial-backoff 5s")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorContains(t, err, "reading configuration")
}

func TestConfigValidate(t *testing.T) {
	defer log.Scope(t).Close(t)

	require.NoError(t, DefaultConfig().Validate())

	for _, tc := range []struct {
		mutate func(*Config)
		err    string
	}{
		{func(c *Config) { c.ImportDir = "" }, "import-dir"},
		{func(c *Config) { c.MaxOpenJobs = 0 }, "max-open-jobs"},
		{func(c *Config) { c.DispatchConcurrency = 0 }, "dispatch-concurrency"},
		{func(c *Config) { c.MaxSegmentKeys = 0 }, "max-segment-keys"},
		{func(c *Config) { c.IngestMaxAttempts = 0 }, "ingest-max-attempts"},
		{func(c *Config) { c.CacheSize = -1 }, "cache-size"},
		{func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	} {
		t.Run(tc.err, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.err)
		})
	}
}

func TestConfigBindFlags(t *testing.T) {
	defer log.Scope(t).Close(t)

	cfg := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--import-dir=/flags",
		"--max-segment-size=1GiB",
		"--ingest-timeout=2m",
		"--cache-size=100",
		"--initial-backoff=50ms",
		"--max-backoff=3s",
		"--topology-timeout=30s",
		"--log-level=warning",
	}))

	require.Equal(t, "/flags", cfg.ImportDir)
	require.Equal(t, humanizeutil.ByteSize(1<<30), cfg.MaxSegmentSize)
	require.Equal(t, humanizeutil.Duration(2*time.Minute), cfg.IngestTimeout)
	require.Equal(t, 100, cfg.CacheSize)
	require.Equal(t, humanizeutil.Duration(50*time.Millisecond), cfg.InitialBackoff)
	require.Equal(t, humanizeutil.Duration(3*time.Second), cfg.MaxBackoff)
	require.Equal(t, humanizeutil.Duration(30*time.Second), cfg.TopologyTimeout)
	require.Equal(t, "warning", cfg.Log.Level)
	require.NoError(t, cfg.Validate())

	// Unset flags keep their defaults.
	require.Equal(t, DefaultConfig().MaxOpenJobs, cfg.MaxOpenJobs)
}
