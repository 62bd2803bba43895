// Package protocol defines the JSON-lines protocol spoken between a
// ProcessRuntime and a procedure-runner child process over stdio.
//
// The runner announces itself with READY, then answers each CMD with zero or
// more EVENT messages followed by exactly one DONE or ERROR. EXIT is sent
// before the runner terminates.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageTypeReady   MessageType = "READY"
	MessageTypeCommand MessageType = "CMD"
	MessageTypeEvent   MessageType = "EVENT"
	// MessageTypeDone ends a command the runner executed. The procedure
	// itself may still have reported failure.
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError ends a command the runner could not execute.
	MessageTypeError MessageType = "ERROR"
	MessageTypeExit  MessageType = "EXIT"
)

func (t MessageType) Validate() error {
	switch t {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent, MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	}
	return fmt.Errorf("invalid message type: %q", t)
}

type CommandType string

const (
	CommandTypeInvoke CommandType = "invoke"
	CommandTypePing   CommandType = "ping"
)

// ErrorMessage codes.
const (
	CodeUnknownProcedure = "UNKNOWN_PROCEDURE"
	CodeInvalidCommand   = "INVALID_COMMAND"
	CodeRuntimeFailure   = "RUNTIME_FAILURE"
	CodeTimeout          = "TIMEOUT"
)

// Message is the envelope of every line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage describes the runner and the procedures it serves.
type ReadyMessage struct {
	Version    string            `json:"version"`
	Platform   string            `json:"platform"`
	Arch       string            `json:"arch"`
	PID        int               `json:"pid"`
	Procedures []string          `json:"procedures,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// CommandMessage asks the runner to invoke a procedure or answer a ping.
type CommandMessage struct {
	ID             string                 `json:"id"`
	Type           CommandType            `json:"type"`
	RunCode        string                 `json:"run_code,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	TimeoutMs      int64                  `json:"timeout_ms,omitempty"`
	Metadata       map[string]string      `json:"metadata,omitempty"`
}

func (c *CommandMessage) Validate() error {
	switch {
	case c.ID == "":
		return errors.New("command id is required")
	case c.Type != CommandTypeInvoke && c.Type != CommandTypePing:
		return fmt.Errorf("invalid command type: %q", c.Type)
	case c.Type == CommandTypeInvoke && c.RunCode == "":
		return errors.New("invoke command needs a run code")
	case c.TimeoutMs < 0:
		return errors.New("command timeout is negative")
	}
	return nil
}

// Timeout is zero when the command sets none.
func (c *CommandMessage) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// EventMessage is progress output of a running command.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

var eventLevels = map[string]bool{"debug": true, "info": true, "warn": true}

// Validate fills in the info level when none is set.
func (e *EventMessage) Validate() error {
	if e.CommandID == "" {
		return errors.New("event needs a command id")
	}
	if e.Level == "" {
		e.Level = "info"
	}
	if !eventLevels[e.Level] {
		return fmt.Errorf("invalid event level: %q", e.Level)
	}
	return nil
}

type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Success   bool            `json:"success"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	// Duration is in seconds.
	Duration float64 `json:"duration"`
}

type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}
