package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxLineBytes bounds a single protocol line.
const MaxLineBytes = 10 * 1024 * 1024

// ErrStreamBroken is returned once reading the underlying stream fails.
// Nothing more can be decoded after it.
var ErrStreamBroken = errors.New("stream broken")

// Encoder writes one message per line. Concurrent calls never interleave.
type Encoder struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	buf := bufio.NewWriter(w)
	return &Encoder{buf: buf, enc: json.NewEncoder(buf)}
}

// Encode wraps data in a timestamped envelope and flushes the line.
func (e *Encoder) Encode(t MessageType, data interface{}) error {
	if err := t.Validate(); err != nil {
		return err
	}
	msg := Message{Type: t, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		msg.Data = raw
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// json.Encoder terminates each value with a newline.
	if err := e.enc.Encode(&msg); err != nil {
		return fmt.Errorf("failed to write %s: %w", t, err)
	}
	return e.buf.Flush()
}

func (e *Encoder) EncodeReady(m *ReadyMessage) error { return e.Encode(MessageTypeReady, m) }
func (e *Encoder) EncodeDone(m *DoneMessage) error { return e.Encode(MessageTypeDone, m) }
func (e *Encoder) EncodeError(m *ErrorMessage) error { return e.Encode(MessageTypeError, m) }
func (e *Encoder) EncodeExit(m *ExitMessage) error { return e.Encode(MessageTypeExit, m) }

func (e *Encoder) EncodeCommand(m *CommandMessage) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return e.Encode(MessageTypeCommand, m)
}

// EncodeEvent defaults the level to info.
func (e *Encoder) EncodeEvent(m *EventMessage) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return e.Encode(MessageTypeEvent, m)
}

// Decoder reads one message per line.
type Decoder struct {
	lines *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &Decoder{lines: lines}
}

// Decode returns the next message, io.EOF at a clean end of stream, or an
// error wrapping ErrStreamBroken when reading fails. A malformed line is
// reported but does not end the stream.
func (d *Decoder) Decode() (*Message, error) {
	if !d.lines.Scan() {
		if err := d.lines.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStreamBroken, err)
		}
		return nil, io.EOF
	}

	line := d.lines.Bytes()
	if len(line) == 0 {
		return nil, errors.New("empty protocol line")
	}
	msg := new(Message)
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("malformed protocol line: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeCommand reads the next message and requires a valid CMD.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeCommand {
		return nil, fmt.Errorf("expected %s, got %s", MessageTypeCommand, msg.Type)
	}
	cmd := new(CommandMessage)
	if err := ParseData(msg.Data, cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// ParseData decodes a message payload into target.
func ParseData(data json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("invalid message payload: %w", err)
	}
	return nil
}
