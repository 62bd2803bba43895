package procedure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sagaflow/sagaflow/pkg/engine"
	"github.com/sagaflow/sagaflow/pkg/procedure/protocol"
)

// Metadata keys carrying the engine invocation across the process boundary.
const (
	metaRunID        = "run_id"
	metaSmartCode    = "smart_code"
	metaTenantID     = "tenant_id"
	metaNodeID       = "node_id"
	metaCompensation = "compensation"
)

// ServerConfig describes the runner announced in the READY message.
type ServerConfig struct {
	Version    string
	Procedures []string

	// TTL stops the loop after this long. Zero means no limit.
	TTL time.Duration

	Logger zerolog.Logger
}

type server struct {
	rt       engine.ProcedureRuntime
	encoder  *protocol.Encoder
	decoder  *protocol.Decoder
	cfg      ServerConfig
	commands int
}

// Serve runs the runner side of the line protocol: it announces READY on out,
// executes each CMD read from in against rt, and answers with DONE or ERROR.
// It sends EXIT and returns when in is closed, ctx ends or the TTL expires.
func Serve(ctx context.Context, in io.Reader, out io.Writer, rt engine.ProcedureRuntime, cfg ServerConfig) error {
	s := &server{
		rt:      rt,
		encoder: protocol.NewEncoder(out),
		decoder: protocol.NewDecoder(in),
		cfg:     cfg,
	}

	if cfg.TTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.TTL)
		defer cancel()
	}

	if err := s.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:    cfg.Version,
		Platform:   runtime.GOOS,
		Arch:       runtime.GOARCH,
		PID:        os.Getpid(),
		Procedures: cfg.Procedures,
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	reason, exitCode, loopErr := s.loop(ctx)
	s.cfg.Logger.Debug().Str("reason", reason).Int("commands", s.commands).Msg("Runner exiting")

	if err := s.encoder.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: s.commands,
	}); err != nil && loopErr == nil {
		return fmt.Errorf("failed to send exit: %w", err)
	}
	return loopErr
}

func (s *server) loop(ctx context.Context) (string, int, error) {
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "ttl_expired", 0, nil
			}
			return "cancelled", 0, nil
		default:
		}

		msg, err := s.decoder.Decode()
		if errors.Is(err, io.EOF) {
			return "stdin_closed", 0, nil
		}
		if err != nil {
			// A malformed line is answered, not fatal.
			if encErr := s.encoder.EncodeError(&protocol.ErrorMessage{
				Code:    protocol.CodeInvalidCommand,
				Message: err.Error(),
			}); encErr != nil {
				return "error", 1, encErr
			}
			continue
		}

		if err := s.handle(ctx, msg); err != nil {
			return "error", 1, err
		}
	}
}

func (s *server) handle(ctx context.Context, msg *protocol.Message) error {
	if msg.Type != protocol.MessageTypeCommand {
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			Code:    protocol.CodeInvalidCommand,
			Message: fmt.Sprintf("expected CMD message, got %s", msg.Type),
		})
	}

	var cmd protocol.CommandMessage
	if err := protocol.ParseData(msg.Data, &cmd); err != nil {
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			Code:    protocol.CodeInvalidCommand,
			Message: err.Error(),
		})
	}
	if err := cmd.Validate(); err != nil {
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.CodeInvalidCommand,
			Message:   err.Error(),
		})
	}

	s.commands++
	start := time.Now()

	if cmd.Type == protocol.CommandTypePing {
		return s.encoder.EncodeDone(&protocol.DoneMessage{
			CommandID: cmd.ID,
			Success:   true,
			Duration:  time.Since(start).Seconds(),
		})
	}

	cmdCtx := ctx
	if timeout := cmd.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmdCtx = engine.WithInvocation(cmdCtx, invocationFromCommand(&cmd))
	cmdCtx = WithEmitter(cmdCtx, func(level, message string) {
		evt := &protocol.EventMessage{CommandID: cmd.ID, Level: level, Message: message}
		if err := s.encoder.EncodeEvent(evt); err != nil {
			s.cfg.Logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("Dropped procedure event")
		}
	})

	result, err := s.rt.Invoke(cmdCtx, cmd.RunCode, cmd.Payload)
	duration := time.Since(start).Seconds()

	switch {
	case err == nil && result == nil:
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.CodeRuntimeFailure,
			Message:   "procedure returned no result",
		})
	case err == nil:
		return s.encoder.EncodeDone(&protocol.DoneMessage{
			CommandID: cmd.ID,
			Success:   result.Success,
			Output:    result.Output,
			Error:     result.Error,
			Duration:  duration,
		})
	case errors.Is(err, ErrUnknownProcedure):
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.CodeUnknownProcedure,
			Message:   err.Error(),
		})
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.CodeTimeout,
			Message:   err.Error(),
			Retryable: true,
		})
	default:
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.CodeRuntimeFailure,
			Message:   err.Error(),
		})
	}
}

func invocationFromCommand(cmd *protocol.CommandMessage) engine.Invocation {
	inv := engine.Invocation{IdempotencyKey: cmd.IdempotencyKey}
	if cmd.Metadata == nil {
		return inv
	}
	inv.RunID = cmd.Metadata[metaRunID]
	inv.SmartCode = cmd.Metadata[metaSmartCode]
	inv.TenantID = cmd.Metadata[metaTenantID]
	inv.NodeID = cmd.Metadata[metaNodeID]
	inv.Compensation, _ = strconv.ParseBool(cmd.Metadata[metaCompensation])
	return inv
}

func commandMetadata(inv engine.Invocation) map[string]string {
	meta := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			meta[k] = v
		}
	}
	set(metaRunID, inv.RunID)
	set(metaSmartCode, inv.SmartCode)
	set(metaTenantID, inv.TenantID)
	set(metaNodeID, inv.NodeID)
	if inv.Compensation {
		meta[metaCompensation] = "true"
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
