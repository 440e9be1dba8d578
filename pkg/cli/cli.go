// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/build"
	"github.com/cockroachdb/kvimport/pkg/cli/exit"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/spf13/cobra"
)

var versionIncludesDeps bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "output version information",
	Long: `
Output build version information.
`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		info := build.GetInfo()
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 1, 2, ' ', 0)
		fmt.Fprintf(tw, "Build Tag:   %s\n", info.Tag)
		fmt.Fprintf(tw, "Build Time:  %s\n", info.Time)
		fmt.Fprintf(tw, "Revision:    %s\n", info.Revision)
		fmt.Fprintf(tw, "Platform:    %s\n", info.Platform)
		fmt.Fprintf(tw, "Go Version:  %s\n", info.GoVersion)
		if versionIncludesDeps {
			fmt.Fprintf(tw, "Build Deps:\n\t%s\n", strings.Join(info.Dependencies, "\n\t"))
		}
		_ = tw.Flush()
	},
}

var kvImporterCmd = &cobra.Command{
	Use:   "kv-importer [command] (flags)",
	Short: "bulk import of sorted key/value data into a region-sharded cluster",
	Long: `
Stages key/value pairs on local disk, cuts them into SSTs along the
cluster's region boundaries and ingests them into the stores leading
those regions.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.EnableCommandSorting = false

	versionCmd.Flags().BoolVar(&versionIncludesDeps, "build-deps", false,
		"include the modules compiled into the binary")

	kvImporterCmd.AddCommand(
		demoCmd,
		versionCmd,
	)
}

// Main is the entry point of the kv-importer binary.
func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Run(ctx, os.Args[1:])
	interrupted := ctx.Err() != nil
	stop()
	if err == nil {
		exit.WithCode(exit.Success())
	}
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	if hint := errors.FlattenHints(err); hint != "" {
		fmt.Fprintf(os.Stderr, "HINT: %s\n", hint)
	}
	exit.WithCode(errorCode(err, interrupted))
}

// Run runs the command named by args.
func Run(ctx context.Context, args []string) error {
	kvImporterCmd.SetArgs(args)
	return kvImporterCmd.ExecuteContext(ctx)
}

// errorCode maps the error returned by a command to the process exit code.
func errorCode(err error, interrupted bool) exit.Code {
	switch {
	case interrupted:
		return exit.Interrupted()
	case errors.HasType(err, (*configError)(nil)):
		return exit.CommandLineFlagError()
	}
	switch kvpb.ErrorCode(err) {
	case kvpb.CodeRetryExhausted, kvpb.CodeOtherFatal, kvpb.CodeTopologyGap,
		kvpb.CodeCorruptStagingData:
		return exit.ImportFailed()
	}
	return exit.UnspecifiedError()
}

// configError wraps errors found in the configuration file or flags.
type configError struct {
	cause error
}

func (e *configError) Error() string { return e.cause.Error() }
func (e *configError) Cause() error  { return e.cause }
func (e *configError) Unwrap() error { return e.cause }
