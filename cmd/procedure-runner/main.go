// Package main implements the SagaFlow procedure runner: a child process that
// executes Starlark and WASM procedures for a parent engine, speaking the
// JSON line protocol over stdin and stdout.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sagaflow/sagaflow/pkg/procedure"
)

const version = "1.0.0"

func main() {
	// stdout carries the protocol, so logs go to stderr.
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("component", "procedure-runner").Logger()
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		logger = logger.Level(lvl)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newCommand(logger).ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("Runner failed")
		cancel()
		os.Exit(1)
	}
}

func newCommand(logger zerolog.Logger) *cobra.Command {
	var (
		starlarkDir string
		wasmDir     string
		timeout     time.Duration
		ttl         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "procedure-runner",
		Short: "Execute SagaFlow procedures over stdin/stdout",
		Long: `Announce READY on stdout, then execute every CMD line read from stdin
against the Starlark scripts and WASM modules in the configured directories.
The runner exits when stdin closes or the TTL expires.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var chain procedure.Chain
			if starlarkDir != "" {
				chain = append(chain, procedure.NewStarlarkRuntime(procedure.StarlarkConfig{
					Dir:     starlarkDir,
					Timeout: timeout,
				}, logger))
			}
			if wasmDir != "" {
				wasm, err := procedure.NewWASMRuntime(ctx, procedure.WASMConfig{
					Dir:     wasmDir,
					Timeout: timeout,
				}, logger)
				if err != nil {
					return err
				}
				defer wasm.Close(context.Background())
				chain = append(chain, wasm)
			}

			codes := append(listProcedures(starlarkDir, ".star"), listProcedures(wasmDir, ".wasm")...)
			sort.Strings(codes)
			logger.Debug().Strs("procedures", codes).Msg("Runner starting")

			return procedure.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), chain, procedure.ServerConfig{
				Version:    version,
				Procedures: codes,
				TTL:        ttl,
				Logger:     logger,
			})
		},
	}

	cmd.Flags().StringVar(&starlarkDir, "starlark-dir", envOr("SAGAFLOW_PROCEDURES_STARLARK_DIR", "procedures"), "directory of <run_code>.star scripts")
	cmd.Flags().StringVar(&wasmDir, "wasm-dir", envOr("SAGAFLOW_PROCEDURES_WASM_DIR", ""), "directory of <run_code>.wasm modules")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-procedure timeout")
	cmd.Flags().DurationVar(&ttl, "ttl", 10*time.Minute, "stop after this long (0 disables)")

	return cmd
}

// listProcedures returns the run codes provided by files with ext in dir.
func listProcedures(dir, ext string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var codes []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		codes = append(codes, strings.TrimSuffix(e.Name(), ext))
	}
	return codes
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
