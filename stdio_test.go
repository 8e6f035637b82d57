package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docmesh/mcp"
)

func TestStdIOBidirectionalMessageFlow(t *testing.T) {
	// Create buffered pipes to simulate stdin/stdout
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverTransport := mcp.NewStdIO(serverReader, serverWriter)
	clientTransport := mcp.NewStdIO(clientReader, clientWriter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := serverTransport.Start(ctx); err != nil {
		t.Fatalf("failed to start server transport: %v", err)
	}
	if err := clientTransport.Start(ctx); err != nil {
		t.Fatalf("failed to start client transport: %v", err)
	}
	defer serverTransport.Stop()
	defer clientTransport.Stop()

	testMessages := []mcp.JSONRPCMessage{
		{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  "request1",
			Params:  json.RawMessage(`{"data": "first request"}`),
		},
		{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  "request2",
			Params:  json.RawMessage(`{"data": "second request"}`),
		},
	}

	clientReceivedMsgs := make([]mcp.JSONRPCMessage, 0)
	serverReceivedMsgs := make([]mcp.JSONRPCMessage, 0)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for msg := range clientTransport.Messages() {
			clientReceivedMsgs = append(clientReceivedMsgs, msg)
			if len(clientReceivedMsgs) == len(testMessages) {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for msg := range serverTransport.Messages() {
			serverReceivedMsgs = append(serverReceivedMsgs, msg)
			if len(serverReceivedMsgs) == len(testMessages) {
				return
			}
		}
	}()

	for _, msg := range testMessages {
		// Server to client
		if err := serverTransport.Send(ctx, msg); err != nil {
			t.Fatalf("failed to send server message: %v", err)
		}

		// Client to server
		clientResponseMsg := mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  "response_" + msg.Method,
			Params:  json.RawMessage(`{"received": "` + msg.Method + `"}`),
		}
		if err := clientTransport.Send(ctx, clientResponseMsg); err != nil {
			t.Fatalf("failed to send client message: %v", err)
		}
	}

	wg.Wait()

	if len(clientReceivedMsgs) != len(testMessages) {
		t.Errorf("client did not receive all messages. Got %d, want %d",
			len(clientReceivedMsgs), len(testMessages))
	}
	if len(serverReceivedMsgs) != len(testMessages) {
		t.Errorf("server did not receive all messages. Got %d, want %d",
			len(serverReceivedMsgs), len(testMessages))
	}

	for i, msg := range testMessages {
		if clientReceivedMsgs[i].Method != msg.Method {
			t.Errorf("client received wrong message. Got %s, want %s",
				clientReceivedMsgs[i].Method, msg.Method)
		}
		if serverReceivedMsgs[i].Method != "response_"+msg.Method {
			t.Errorf("server received wrong response. Got %s, want response_%s",
				serverReceivedMsgs[i].Method, msg.Method)
		}
	}
}

func TestStdIOBlankAndMalformedLines(t *testing.T) {
	reader, feed := io.Pipe()
	transport := mcp.NewStdIO(reader, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer transport.Stop()

	// Two valid frames around a blank line and a malformed one. Only the
	// valid frames should surface.
	go func() {
		raw := `{"jsonrpc":"2.0","id":1,"method":"first"}` + "\n" +
			"\n" +
			`{not json}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"second"}` + "\n"
		_, _ = feed.Write([]byte(raw))
		feed.Close()
	}()

	var received []mcp.JSONRPCMessage
	for msg := range transport.Messages() {
		received = append(received, msg)
		if len(received) == 2 {
			break
		}
	}

	if len(received) != 2 {
		t.Fatalf("wrong number of messages. Got %d, want 2", len(received))
	}
	if received[0].Method != "first" {
		t.Errorf("wrong first method. Got %s, want first", received[0].Method)
	}
	if received[1].Method != "second" {
		t.Errorf("wrong second method. Got %s, want second", received[1].Method)
	}
	if id, ok := received[1].ID.Int(); !ok || id != 2 {
		t.Errorf("wrong second id. Got %v, want 2", received[1].ID)
	}
}

func TestStdIOPartialWrites(t *testing.T) {
	reader, feed := io.Pipe()
	transport := mcp.NewStdIO(reader, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer transport.Stop()

	// A frame arriving in pieces must be buffered until its newline shows up.
	go func() {
		chunks := []string{
			`{"jsonrpc":"2.0",`,
			`"id":7,"meth`,
			`od":"chunked"}`,
			"\n",
		}
		for _, chunk := range chunks {
			_, _ = feed.Write([]byte(chunk))
			time.Sleep(10 * time.Millisecond)
		}
		feed.Close()
	}()

	var received *mcp.JSONRPCMessage
	for msg := range transport.Messages() {
		received = &msg
		break
	}

	if received == nil {
		t.Fatal("no message received")
	}
	if received.Method != "chunked" {
		t.Errorf("wrong method. Got %s, want chunked", received.Method)
	}
	if id, ok := received.ID.Int(); !ok || id != 7 {
		t.Errorf("wrong id. Got %v, want 7", received.ID)
	}
}

func TestStdIOPartialLineAtEOFDropped(t *testing.T) {
	reader, feed := io.Pipe()
	transport := mcp.NewStdIO(reader, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer transport.Stop()

	go func() {
		raw := `{"jsonrpc":"2.0","id":1,"method":"complete"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"trunc`
		_, _ = feed.Write([]byte(raw))
		feed.Close()
	}()

	var received []mcp.JSONRPCMessage
	for msg := range transport.Messages() {
		received = append(received, msg)
	}

	if len(received) != 1 {
		t.Fatalf("wrong number of messages. Got %d, want 1", len(received))
	}
	if received[0].Method != "complete" {
		t.Errorf("wrong method. Got %s, want complete", received[0].Method)
	}
}

func TestStdIOSendFraming(t *testing.T) {
	outReader, writer := io.Pipe()
	idleReader, _ := io.Pipe()
	transport := mcp.NewStdIO(idleReader, writer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer transport.Stop()

	frames := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := outReader.Read(buf)
		frames <- buf[:n]
	}()

	msg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NewIntRequestID(1),
		Method:  "test",
		Params:  json.RawMessage(`{"text":"line one\nline two"}`),
	}
	if err := transport.Send(ctx, msg); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	frame := <-frames
	if frame[len(frame)-1] != '\n' {
		t.Error("frame does not end with newline")
	}
	for _, b := range frame[:len(frame)-1] {
		if b == '\n' || b == '\r' {
			t.Fatal("frame payload contains a line break")
		}
	}

	var decoded mcp.JSONRPCMessage
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if decoded.Method != msg.Method {
		t.Errorf("wrong method. Got %s, want %s", decoded.Method, msg.Method)
	}
}

func TestStdIOStartAfterStop(t *testing.T) {
	idleReader, _ := io.Pipe()
	transport := mcp.NewStdIO(idleReader, io.Discard)

	transport.Stop()

	if err := transport.Start(context.Background()); err == nil {
		t.Error("expected error starting a stopped transport, got nil")
	}
}

func TestStdIOStopWhileWriteBlocked(t *testing.T) {
	idleReader, _ := io.Pipe()
	blockedReader, blockedWriter := io.Pipe()
	transport := mcp.NewStdIO(idleReader, blockedWriter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}

	// Nobody reads the writer side, so the write pump blocks mid-frame and
	// Send is left waiting on the result when Stop fires.
	errs := make(chan error, 1)
	go func() {
		errs <- transport.Send(context.Background(), mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      mcp.NewIntRequestID(1),
			Method:  "test",
		})
	}()

	time.Sleep(50 * time.Millisecond)
	transport.Stop()

	select {
	case err := <-errs:
		if !errors.Is(err, mcp.ErrTransportNotConnected) {
			t.Errorf("wrong error for send interrupted by stop. Got %v, want %v",
				err, mcp.ErrTransportNotConnected)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not return after Stop")
	}

	// Release the blocked write pump.
	blockedReader.Close()
}

func TestStdIOSendRejectsEmbeddedLineBreak(t *testing.T) {
	idleReader, _ := io.Pipe()
	transport := mcp.NewStdIO(idleReader, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer transport.Stop()

	// Raw params carrying a literal newline would break the framing; the
	// transport must refuse to emit it.
	msg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NewIntRequestID(1),
		Method:  "test",
		Params:  json.RawMessage("{\n\"a\": 1}"),
	}

	err := transport.Send(ctx, msg)
	if err == nil {
		t.Fatal("expected error for payload with embedded newline, got nil")
	}
	if !errors.Is(err, mcp.ErrEncodingFailed) {
		t.Errorf("expected ErrEncodingFailed, got %v", err)
	}
}
