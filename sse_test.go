package mcp_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docmesh/mcp"
)

func TestSSEServerAndClient(t *testing.T) {
	mux := http.NewServeMux()
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	server := mcp.NewSSEServer(httpSrv.URL + "/message")
	mux.Handle("/connect", server.HandleSSE())
	mux.Handle("/message", server.HandleMessage())

	transports := make(chan mcp.Transport, 1)
	go func() {
		for transport := range server.Transports() {
			transports <- transport
		}
	}()

	client := mcp.NewSSEClient(httpSrv.URL+"/connect", httpSrv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Until the server announces the message endpoint there is nowhere to
	// POST to, so sending must fail.
	err := client.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/initialized",
	})
	if !errors.Is(err, mcp.ErrTransportNotConnected) {
		t.Fatalf("wrong error sending before endpoint announcement. Got %v, want %v",
			err, mcp.ErrTransportNotConnected)
	}

	// Start blocks until the endpoint event arrives, so a successful return
	// means the announcement preceded any message traffic.
	if err := client.Start(ctx); err != nil {
		t.Fatalf("failed to start SSE client: %v", err)
	}
	defer client.Stop()

	var serverTransport mcp.Transport
	select {
	case serverTransport = <-transports:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server transport")
	}
	defer serverTransport.Stop()

	serverMsgs := make(chan mcp.JSONRPCMessage)
	go func() {
		for msg := range serverTransport.Messages() {
			serverMsgs <- msg
		}
	}()

	clientMsgs := make(chan mcp.JSONRPCMessage)
	clientStreamEnded := make(chan struct{})
	go func() {
		defer close(clientStreamEnded)
		for msg := range client.Messages() {
			clientMsgs <- msg
		}
	}()

	// Client to server over the POST endpoint.
	if err := client.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/initialized",
	}); err != nil {
		t.Fatalf("failed to send client message: %v", err)
	}

	select {
	case msg := <-serverMsgs:
		if msg.Method != "notifications/initialized" {
			t.Errorf("got method %q, want %q", msg.Method, "notifications/initialized")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server to receive message")
	}

	// Server to client over the SSE stream.
	if err := serverTransport.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/tools/list_changed",
	}); err != nil {
		t.Fatalf("failed to send server message: %v", err)
	}

	select {
	case msg := <-clientMsgs:
		if msg.Method != "notifications/tools/list_changed" {
			t.Errorf("got method %q, want %q", msg.Method, "notifications/tools/list_changed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client to receive message")
	}

	// Teardown: stopping the client ends its message stream, and once the
	// session transport is released Shutdown drains cleanly.
	client.Stop()
	select {
	case <-clientStreamEnded:
	case <-time.After(time.Second):
		t.Fatal("client message stream did not end after Stop")
	}

	serverTransport.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		t.Errorf("failed to shut down SSE server: %v", err)
	}
}

func TestSSEClientServerSession(t *testing.T) {
	mux := http.NewServeMux()
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	sseServer := mcp.NewSSEServer(httpSrv.URL + "/message")
	mux.Handle("/connect", sseServer.HandleSSE())
	mux.Handle("/message", sseServer.HandleMessage())

	srv := mcp.NewServer(serverInfo(), mcp.WithToolServer(stubToolServer{}))

	connErrs := make(chan error, 1)
	go func() {
		for transport := range sseServer.Transports() {
			connErrs <- srv.Connect(transport)
		}
	}()

	sseClient := mcp.NewSSEClient(httpSrv.URL+"/connect", httpSrv.Client())
	cli := mcp.NewClient(clientInfo(), mcp.WithClientTransport(sseClient))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect client: %v", err)
	}

	select {
	case err := <-connErrs:
		if err != nil {
			t.Fatalf("failed to attach server engine: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server session")
	}

	if got := cli.ServerInfo().Name; got != "test-server" {
		t.Errorf("wrong server name. Got %s, want test-server", got)
	}
	if cli.NegotiatedVersion() == "" {
		t.Error("no protocol version negotiated")
	}

	t.Run("ListTools", func(t *testing.T) {
		result, err := cli.ListTools(ctx, mcp.ListToolsParams{})
		if err != nil {
			t.Fatalf("ListTools failed: %v", err)
		}
		if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
			t.Errorf("wrong tool list: %+v", result.Tools)
		}
	})

	t.Run("CallTool", func(t *testing.T) {
		result, err := cli.CallTool(ctx, mcp.CallToolParams{
			Name: "echo",
			Arguments: map[string]mcp.Value{
				"text": mcp.StringValue("over sse"),
			},
		})
		if err != nil {
			t.Fatalf("CallTool failed: %v", err)
		}
		if len(result.Content) != 1 || result.Content[0].Text != "over sse" {
			t.Errorf("wrong tool result: %+v", result.Content)
		}
	})

	cli.Disconnect()

	disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer disconnectCancel()
	if err := srv.Disconnect(disconnectCtx); err != nil {
		t.Errorf("failed to disconnect server: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := sseServer.Shutdown(shutdownCtx); err != nil {
		t.Errorf("failed to shut down SSE server: %v", err)
	}
}
