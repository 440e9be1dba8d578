// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package importer

import (
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/util/humanizeutil"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/spf13/pflag"
)

// Config is the importer's configuration. It is read from a TOML file whose
// keys are the kebab-case names in the struct tags; flags bound with
// BindFlags override the file.
type Config struct {
	// ImportDir holds one staging directory per job.
	ImportDir string `toml:"import-dir"`
	// MaxOpenJobs bounds the jobs holding a staging store at once.
	MaxOpenJobs int `toml:"max-open-jobs"`
	// DispatchConcurrency bounds the ingest tasks in flight across jobs.
	DispatchConcurrency int `toml:"dispatch-concurrency"`
	// MaxSegmentSize and MaxSegmentKeys bound the segments cut from a
	// staging store.
	MaxSegmentSize humanizeutil.ByteSize `toml:"max-segment-size"`
	MaxSegmentKeys int64                 `toml:"max-segment-keys"`
	// IngestMaxAttempts bounds the ingest calls made for a sub-segment.
	IngestMaxAttempts int                   `toml:"ingest-max-attempts"`
	IngestTimeout     humanizeutil.Duration `toml:"ingest-timeout"`
	InitialBackoff    humanizeutil.Duration `toml:"initial-backoff"`
	MaxBackoff        humanizeutil.Duration `toml:"max-backoff"`
	// UploadSpeedLimit bounds the bytes per second sent to the cluster.
	UploadSpeedLimit humanizeutil.ByteSize `toml:"upload-speed-limit"`
	// CacheSize bounds the region descriptors cached. Zero is unbounded.
	CacheSize int `toml:"cache-size"`
	// TopologyTimeout bounds a single call to the topology service.
	TopologyTimeout humanizeutil.Duration `toml:"topology-timeout"`
	// StatusAddr is the listen address of the status server. Empty disables
	// it.
	StatusAddr string `toml:"status-addr"`

	Log log.Config `toml:"log"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ImportDir:           "/tmp/kvimport",
		MaxOpenJobs:         8,
		DispatchConcurrency: 24,
		MaxSegmentSize:      96 << 20,
		MaxSegmentKeys:      960000,
		IngestMaxAttempts:   8,
		IngestTimeout:       humanizeutil.Duration(time.Minute),
		InitialBackoff:      humanizeutil.Duration(100 * time.Millisecond),
		MaxBackoff:          humanizeutil.Duration(10 * time.Second),
		UploadSpeedLimit:    512 << 20,
		CacheSize:           0,
		TopologyTimeout:     humanizeutil.Duration(10 * time.Second),
		Log:                 log.DefaultConfig(),
	}
}

// LoadConfig reads the configuration file at path on top of the defaults.
// Keys the configuration does not know are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading configuration %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, errors.Newf("%s: unknown configuration keys: %s",
			path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "invalid configuration %s", path)
	}
	return cfg, nil
}

// Validate rejects unusable configurations.
func (c Config) Validate() error {
	switch {
	case c.ImportDir == "":
		return errors.New("import-dir can not be empty")
	case c.MaxOpenJobs <= 0:
		return errors.New("max-open-jobs can not be 0")
	case c.DispatchConcurrency <= 0:
		return errors.New("dispatch-concurrency can not be 0")
	case c.MaxSegmentSize <= 0:
		return errors.New("max-segment-size can not be 0")
	case c.MaxSegmentKeys <= 0:
		return errors.New("max-segment-keys can not be 0")
	case c.IngestMaxAttempts <= 0:
		return errors.New("ingest-max-attempts can not be 0")
	case c.IngestTimeout <= 0:
		return errors.New("ingest-timeout can not be 0")
	case c.InitialBackoff <= 0:
		return errors.New("initial-backoff can not be 0")
	case c.MaxBackoff < c.InitialBackoff:
		return errors.Newf("max-backoff %s is smaller than initial-backoff %s",
			c.MaxBackoff, c.InitialBackoff)
	case c.UploadSpeedLimit <= 0:
		return errors.New("upload-speed-limit can not be 0")
	case c.CacheSize < 0:
		return errors.New("cache-size can not be negative")
	case c.TopologyTimeout <= 0:
		return errors.New("topology-timeout can not be 0")
	}
	return errors.Wrap(c.Log.Validate(), "log")
}

// BindFlags registers flags overriding the fields of c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ImportDir, "import-dir", c.ImportDir,
		"directory holding the staging stores of jobs")
	fs.IntVar(&c.MaxOpenJobs, "max-open-jobs", c.MaxOpenJobs,
		"maximum number of jobs holding a staging store")
	fs.IntVar(&c.DispatchConcurrency, "dispatch-concurrency", c.DispatchConcurrency,
		"maximum number of concurrent ingest tasks")
	fs.Var(&c.MaxSegmentSize, "max-segment-size",
		"maximum size of a segment")
	fs.Int64Var(&c.MaxSegmentKeys, "max-segment-keys", c.MaxSegmentKeys,
		"maximum number of keys of a segment")
	fs.IntVar(&c.IngestMaxAttempts, "ingest-max-attempts", c.IngestMaxAttempts,
		"maximum number of ingest attempts per sub-segment")
	fs.DurationVar((*time.Duration)(&c.IngestTimeout), "ingest-timeout", time.Duration(c.IngestTimeout),
		"timeout of a single ingest attempt")
	fs.DurationVar((*time.Duration)(&c.InitialBackoff), "initial-backoff", time.Duration(c.InitialBackoff),
		"backoff before the first retry of an unavailable store")
	fs.DurationVar((*time.Duration)(&c.MaxBackoff), "max-backoff", time.Duration(c.MaxBackoff),
		"maximum backoff between ingest retries")
	fs.Var(&c.UploadSpeedLimit, "upload-speed-limit",
		"maximum bytes per second sent to the cluster")
	fs.IntVar(&c.CacheSize, "cache-size", c.CacheSize,
		"maximum number of cached region descriptors (0 for unbounded)")
	fs.DurationVar((*time.Duration)(&c.TopologyTimeout), "topology-timeout", time.Duration(c.TopologyTimeout),
		"timeout of a single call to the topology service")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr,
		"listen address of the status server")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level,
		"minimum severity logged")
	fs.StringVar(&c.Log.File, "log-file", c.Log.File,
		"log file; stderr when empty")
	fs.Int32Var(&c.Log.Verbosity, "verbosity", c.Log.Verbosity,
		"verbosity of trace logging")
}
