package procedure

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sagaflow/sagaflow/pkg/engine"
	"github.com/sagaflow/sagaflow/pkg/procedure/protocol"
)

func testRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("ADD_LINE", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		inv, _ := engine.InvocationFrom(ctx)
		Emit(ctx, "info", "adding line")
		return map[string]interface{}{
			"cart_id": p["cart_id"],
			"key":     inv.IdempotencyKey,
			"node":    inv.NodeID,
			"comp":    inv.Compensation,
		}, nil
	})
	r.MustRegister("DECLINE", func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, errors.New("card declined")
	})
	r.MustRegister("WAIT", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return r
}

func readAll(t *testing.T, r io.Reader) []*protocol.Message {
	t.Helper()
	dec := protocol.NewDecoder(r)
	var msgs []*protocol.Message
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return msgs
		}
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		msgs = append(msgs, msg)
	}
}

func TestServe_Conversation(t *testing.T) {
	var in bytes.Buffer
	enc := protocol.NewEncoder(&in)
	mustEncode := func(cmd *protocol.CommandMessage) {
		t.Helper()
		if err := enc.EncodeCommand(cmd); err != nil {
			t.Fatal(err)
		}
	}

	mustEncode(&protocol.CommandMessage{
		ID: "c1", Type: protocol.CommandTypeInvoke, RunCode: "add_line",
		Payload:        map[string]interface{}{"cart_id": "cart-1"},
		IdempotencyKey: "k1",
		Metadata:       map[string]string{"node_id": "add_line", "compensation": "true"},
	})
	mustEncode(&protocol.CommandMessage{ID: "c2", Type: protocol.CommandTypeInvoke, RunCode: "DECLINE"})
	mustEncode(&protocol.CommandMessage{ID: "c3", Type: protocol.CommandTypeInvoke, RunCode: "MISSING"})
	in.WriteString("not json\n")
	mustEncode(&protocol.CommandMessage{ID: "c4", Type: protocol.CommandTypePing})

	var out bytes.Buffer
	err := Serve(context.Background(), &in, &out, testRegistry(), ServerConfig{
		Version:    "test",
		Procedures: []string{"ADD_LINE"},
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	msgs := readAll(t, &out)
	wantTypes := []protocol.MessageType{
		protocol.MessageTypeReady,
		protocol.MessageTypeEvent,
		protocol.MessageTypeDone,
		protocol.MessageTypeDone,
		protocol.MessageTypeError,
		protocol.MessageTypeError,
		protocol.MessageTypeDone,
		protocol.MessageTypeExit,
	}
	if len(msgs) != len(wantTypes) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(wantTypes))
	}
	for i, want := range wantTypes {
		if msgs[i].Type != want {
			t.Errorf("message %d: got %s, want %s", i, msgs[i].Type, want)
		}
	}

	var ready protocol.ReadyMessage
	_ = protocol.ParseData(msgs[0].Data, &ready)
	if ready.Version != "test" || len(ready.Procedures) != 1 {
		t.Errorf("unexpected ready: %+v", ready)
	}

	var evt protocol.EventMessage
	_ = protocol.ParseData(msgs[1].Data, &evt)
	if evt.CommandID != "c1" || evt.Message != "adding line" {
		t.Errorf("unexpected event: %+v", evt)
	}

	var done protocol.DoneMessage
	_ = protocol.ParseData(msgs[2].Data, &done)
	if !done.Success || string(done.Output) != `{"cart_id":"cart-1","comp":true,"key":"k1","node":"add_line"}` {
		t.Errorf("unexpected done: %+v (%s)", done, done.Output)
	}

	var declined protocol.DoneMessage
	_ = protocol.ParseData(msgs[3].Data, &declined)
	if declined.CommandID != "c2" || declined.Success || declined.Error != "card declined" {
		t.Errorf("unexpected failed done: %+v", declined)
	}

	var unknown protocol.ErrorMessage
	_ = protocol.ParseData(msgs[4].Data, &unknown)
	if unknown.CommandID != "c3" || unknown.Code != protocol.CodeUnknownProcedure {
		t.Errorf("unexpected error: %+v", unknown)
	}

	var invalid protocol.ErrorMessage
	_ = protocol.ParseData(msgs[5].Data, &invalid)
	if invalid.Code != protocol.CodeInvalidCommand {
		t.Errorf("expected INVALID_COMMAND, got %+v", invalid)
	}

	var exit protocol.ExitMessage
	_ = protocol.ParseData(msgs[7].Data, &exit)
	if exit.Reason != "stdin_closed" || exit.CommandsTotal != 4 {
		t.Errorf("unexpected exit: %+v", exit)
	}
}

func TestServe_CommandTimeout(t *testing.T) {
	var in bytes.Buffer
	enc := protocol.NewEncoder(&in)
	if err := enc.EncodeCommand(&protocol.CommandMessage{
		ID: "c1", Type: protocol.CommandTypeInvoke, RunCode: "WAIT", TimeoutMs: 20,
	}); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := Serve(context.Background(), &in, &out, testRegistry(), ServerConfig{Logger: zerolog.Nop()}); err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	msgs := readAll(t, &out)
	if len(msgs) != 3 || msgs[1].Type != protocol.MessageTypeError {
		t.Fatalf("unexpected messages: %d", len(msgs))
	}
	var errMsg protocol.ErrorMessage
	_ = protocol.ParseData(msgs[1].Data, &errMsg)
	if errMsg.Code != protocol.CodeTimeout || !errMsg.Retryable {
		t.Errorf("expected retryable TIMEOUT, got %+v", errMsg)
	}
}

func TestServe_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	if err := Serve(ctx, &bytes.Buffer{}, &out, testRegistry(), ServerConfig{Logger: zerolog.Nop()}); err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	msgs := readAll(t, &out)
	var exit protocol.ExitMessage
	_ = protocol.ParseData(msgs[len(msgs)-1].Data, &exit)
	if exit.Reason != "cancelled" {
		t.Errorf("expected cancelled exit, got %+v", exit)
	}
}
