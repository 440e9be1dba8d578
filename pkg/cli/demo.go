// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/importer"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/server/status"
	"github.com/cockroachdb/kvimport/pkg/testutils/localcluster"
	"github.com/cockroachdb/kvimport/pkg/util/humanizeutil"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// demoCtx holds the flags of the demo command.
var demoCtx struct {
	configPath string
	cfg        importer.Config

	stores     int
	keys       int
	valueSize  int
	splitEvery int
	batchSize  int
	// linger keeps the status server up after the import.
	linger time.Duration
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "import generated data into an in-memory cluster",
	Long: `
Starts an in-memory cluster, splits it into regions spread over its stores
and runs a single import job of generated keys against it. The job is
verified by scanning the cluster once it closed.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return &configError{cause: err}
		}
		restore, err := log.Setup(cfg.Log)
		if err != nil {
			return &configError{cause: err}
		}
		defer restore()
		return runDemo(cmd.Context(), cmd, cfg)
	},
}

func init() {
	resetDemoCtx()
	f := demoCmd.Flags()
	f.StringVar(&demoCtx.configPath, "config", "", "TOML configuration file")
	demoCtx.cfg.BindFlags(f)
	f.IntVar(&demoCtx.stores, "stores", demoCtx.stores, "number of stores in the cluster")
	f.IntVar(&demoCtx.keys, "keys", demoCtx.keys, "number of keys to import")
	f.IntVar(&demoCtx.valueSize, "value-size", demoCtx.valueSize, "size of each value")
	f.IntVar(&demoCtx.splitEvery, "split-every", demoCtx.splitEvery,
		"number of keys per region; 0 leaves a single region")
	f.IntVar(&demoCtx.batchSize, "batch-size", demoCtx.batchSize, "number of keys per write")
	f.DurationVar(&demoCtx.linger, "linger", 0,
		"time to keep serving status after the import")
}

func resetDemoCtx() {
	demoCtx.configPath = ""
	demoCtx.cfg = importer.DefaultConfig()
	demoCtx.cfg.ImportDir = "/import"
	demoCtx.stores = 3
	demoCtx.keys = 100000
	demoCtx.valueSize = 100
	demoCtx.splitEvery = 25000
	demoCtx.batchSize = 1000
	demoCtx.linger = 0
}

// loadConfig returns the configuration of the file named by --config, if
// any, overridden by the configuration flags set on the command line.
func loadConfig(flags *pflag.FlagSet) (importer.Config, error) {
	if demoCtx.configPath == "" {
		return demoCtx.cfg, demoCtx.cfg.Validate()
	}
	cfg, err := importer.LoadConfig(demoCtx.configPath)
	if err != nil {
		return importer.Config{}, err
	}
	overrides := pflag.NewFlagSet("config", pflag.ContinueOnError)
	cfg.BindFlags(overrides)
	var setErr error
	flags.Visit(func(f *pflag.Flag) {
		if o := overrides.Lookup(f.Name); o != nil && setErr == nil {
			setErr = errors.Wrapf(o.Value.Set(f.Value.String()), "--%s", f.Name)
		}
	})
	if setErr != nil {
		return importer.Config{}, setErr
	}
	return cfg, cfg.Validate()
}

func demoKey(i int) kvpb.Key {
	return kvpb.Key(fmt.Sprintf("key-%09d", i))
}

func demoValue(i, size int) []byte {
	v := make([]byte, size)
	for j := range v {
		v[j] = byte('a' + (i+j)%26)
	}
	return v
}

func runDemo(ctx context.Context, cmd *cobra.Command, cfg importer.Config) error {
	if demoCtx.keys <= 0 || demoCtx.batchSize <= 0 {
		return &configError{cause: errors.New("--keys and --batch-size must be positive")}
	}
	fs := vfs.NewMem()
	cluster, err := localcluster.New(ctx, fs, demoCtx.stores)
	if err != nil {
		return err
	}
	defer func() {
		if err := cluster.Close(); err != nil {
			log.Warningf(ctx, "stopping cluster: %v", err)
		}
	}()
	if demoCtx.splitEvery > 0 {
		for i := demoCtx.splitEvery; i < demoCtx.keys; i += demoCtx.splitEvery {
			_, right, err := cluster.Split(demoKey(i))
			if err != nil {
				return err
			}
			store := kvpb.StoreID(int(right.RegionID-1)%demoCtx.stores + 1)
			if err := cluster.TransferLeader(right.RegionID, store); err != nil {
				return err
			}
		}
	}

	reg := prometheus.NewRegistry()
	metrics := importer.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		return err
	}
	im, err := importer.New(ctx, importer.Options{
		Config:   cfg,
		FS:       fs,
		Topology: cluster,
		Client:   cluster,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := im.Close(context.Background()); err != nil {
			log.Warningf(ctx, "cleaning up jobs: %v", err)
		}
	}()

	if cfg.StatusAddr != "" {
		srv := status.NewServer(im, im.RegionCache(), reg)
		if err := srv.Start(ctx, cfg.StatusAddr); err != nil {
			return err
		}
		defer func() {
			if demoCtx.linger > 0 {
				select {
				case <-time.After(demoCtx.linger):
				case <-ctx.Done():
				}
			}
			_ = srv.Stop(context.Background())
		}()
	}

	start := time.Now()
	id, err := im.Open(ctx, uuid.Nil)
	if err != nil {
		return err
	}
	batch := make([]kvpb.KeyValue, 0, demoCtx.batchSize)
	for i := 0; i < demoCtx.keys; i++ {
		batch = append(batch, kvpb.KeyValue{Key: demoKey(i), Value: demoValue(i, demoCtx.valueSize)})
		if len(batch) == cap(batch) || i == demoCtx.keys-1 {
			if err := im.Write(ctx, id, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	written := time.Since(start)
	if err := im.Finish(ctx, id); err != nil {
		return err
	}
	st, err := im.JobState(id)
	if err != nil {
		return err
	}

	kvs, err := cluster.Scan(kvpb.Span{})
	if err != nil {
		return err
	}
	if len(kvs) != demoCtx.keys {
		return errors.AssertionFailedf("cluster holds %d keys, imported %d", len(kvs), demoCtx.keys)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 1, 2, ' ', 0)
	fmt.Fprintf(tw, "job:\t%s\n", id)
	fmt.Fprintf(tw, "state:\t%s\n", st.State)
	fmt.Fprintf(tw, "keys:\t%d\n", demoCtx.keys)
	fmt.Fprintf(tw, "regions:\t%d\n", len(cluster.Regions()))
	fmt.Fprintf(tw, "segments:\t%d\n", st.Summary.Segments)
	fmt.Fprintf(tw, "sub-segments:\t%d\n", st.Summary.SubSegments)
	fmt.Fprintf(tw, "ingested:\t%d (%s)\n", st.Summary.Ingested, humanizeutil.IBytes(st.Summary.Bytes))
	fmt.Fprintf(tw, "resplits:\t%d\n", st.Summary.Resplits)
	fmt.Fprintf(tw, "write time:\t%s\n", humanizeutil.FormatDuration(written))
	fmt.Fprintf(tw, "total time:\t%s\n", humanizeutil.FormatDuration(time.Since(start)))
	return tw.Flush()
}
