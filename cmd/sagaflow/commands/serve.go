package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sagaflow/sagaflow/pkg/engine"
	"github.com/sagaflow/sagaflow/pkg/specstore"
)

// serveRequest is one line of serve input.
type serveRequest struct {
	SmartCode string                 `json:"smart_code"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	RunEpoch  string                 `json:"run_epoch,omitempty"`
}

// serveResponse is written for every request line.
type serveResponse struct {
	Summary *engine.ExecutionSummary `json:"summary,omitempty"`
	Code    string                   `json:"code,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

const maxRequestLine = 4 << 20

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Execute requests from stdin and expose metrics",
		Long: `Read newline-delimited JSON execute requests from stdin and write one JSON
result per line to stdout. While serving, the Prometheus endpoint is exposed,
spec changes are picked up from disk and policy files are reloaded.

Each request has the form:
  {"smart_code": "...", "tenant_id": "...", "payload": {...}, "run_epoch": "..."}`,
		Example: `  # Execute a batch of requests
  sagaflow serve < requests.jsonl

  # Expose metrics on another port
  SAGAFLOW_TELEMETRY_METRICS_LISTEN_ADDRESS=:9191 sagaflow serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, appNeeds{store: true, runtime: true, executor: true})
			if err != nil {
				return err
			}
			defer a.close()

			w := specstore.NewWatcher(a.source, a.resolver, 0, a.logger)
			w.OnReload = func(changed []specstore.Key, err error) {
				if err != nil {
					log.Warn().Err(err).Msg("Spec reload reported problems")
				}
				if len(changed) > 0 {
					log.Info().Int("changed", len(changed)).Msg("Specs reloaded")
				}
			}
			if err := w.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("Spec watcher unavailable")
			}

			metricsErr := make(chan error, 1)
			go func() {
				metricsErr <- a.tel.Metrics.Serve(ctx)
			}()

			serveErr := a.serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			cancel()
			if err := <-metricsErr; err != nil {
				log.Warn().Err(err).Msg("Metrics endpoint stopped")
			}
			return serveErr
		},
	}

	cmd.Flags().StringVar(&runtimeFlag, "runtime", "", "procedure runtime: starlark, wasm, process or auto")

	return cmd
}

// serve executes requests until in is exhausted or ctx is done.
func (a *app) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestLine)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req serveRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(serveResponse{Error: fmt.Sprintf("invalid request: %v", err)}); err != nil {
				return err
			}
			continue
		}
		if req.SmartCode == "" {
			if err := enc.Encode(serveResponse{Error: "invalid request: smart_code is required"}); err != nil {
				return err
			}
			continue
		}

		summary, err := a.executor.Execute(ctx, engine.ExecuteRequest{
			SmartCode: req.SmartCode,
			TenantID:  req.TenantID,
			Payload:   req.Payload,
			RunEpoch:  req.RunEpoch,
		})
		if summary != nil && !engine.IsSpecNotFound(err) {
			if serr := a.store.SaveRun(ctx, summary); serr != nil {
				log.Warn().Err(serr).Str("run_id", summary.RunID).Msg("Failed to save run history")
			}
		}

		resp := serveResponse{Summary: summary}
		if err != nil {
			resp.Code = engine.CodeOf(err)
			resp.Error = err.Error()
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read requests: %w", err)
	}
	return nil
}
