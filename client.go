package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"sync"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements the client side of the Model Context Protocol (MCP). It
// spawns a subprocess implementing the server side (or attaches to an
// existing Transport), drives the handshake with protocol version fallback,
// and correlates each outbound request with its eventual reply through an
// id-keyed pending table, so concurrent in-flight requests are safe even when
// the peer replies out of order.
//
// A Client must be created with NewClient and connected with Connect before
// any typed call. Disconnect releases the subprocess and fails any requests
// still awaiting a reply.
type Client struct {
	info             Info
	capabilities     ClientCapabilities
	command          string
	args             []string
	preferredVersion string
	writeTimeout     time.Duration
	readTimeout      time.Duration
	logger           *slog.Logger

	// attached is set when the transport was supplied by the caller instead
	// of being built over a spawned subprocess.
	attached bool

	mu                 sync.Mutex
	running            bool
	connected          bool
	transport          Transport
	cmd                *exec.Cmd
	stdin              io.WriteCloser
	serverInfo         Info
	serverCapabilities ServerCapabilities
	negotiatedVersion  string
	nextRequestID      int64
	pending            map[RequestID]chan JSONRPCMessage
	done               chan struct{}
	listenClosed       chan struct{}
}

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 30 * time.Second
)

// NewClient creates a new MCP client identified by info. Configure the server
// subprocess with WithCommand, or attach to an in-process Transport with
// WithClientTransport.
func NewClient(info Info, options ...ClientOption) *Client {
	c := &Client{
		info:   info,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	if c.preferredVersion == "" {
		c.preferredVersion = ProtocolVersion
	}

	return c
}

// WithCommand configures the executable and arguments of the server
// subprocess the client spawns on Connect.
func WithCommand(command string, args ...string) ClientOption {
	return func(c *Client) {
		c.command = command
		c.args = args
	}
}

// WithClientTransport attaches the client to an existing transport instead of
// spawning a subprocess. Used for in-process wiring and tests.
func WithClientTransport(t Transport) ClientOption {
	return func(c *Client) {
		c.transport = t
		c.attached = true
	}
}

// WithClientCapabilities declares the client's capabilities sent during the
// handshake.
func WithClientCapabilities(caps ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = caps
	}
}

// WithPreferredProtocolVersion sets the protocol version tried first during
// the handshake. The remaining supported versions are still offered as
// fallbacks, newest first.
func WithPreferredProtocolVersion(version string) ClientOption {
	return func(c *Client) {
		c.preferredVersion = version
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets how long the client waits for a reply to a
// request before giving up.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "client"),
		)
	}
}

// Connect launches the configured subprocess (or starts the attached
// transport) and performs the handshake, trying the preferred protocol
// version first and falling back through the remaining supported versions
// when the server reports a version mismatch. It fails with ErrInvalidCommand
// when no executable and no transport are configured, and with
// ErrNotConnected when no candidate version is accepted.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}

	transport := c.transport
	if transport == nil {
		if c.command == "" {
			c.mu.Unlock()
			return ErrInvalidCommand
		}
		t, err := c.spawnLocked()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		transport = t
		c.transport = t
	}

	if err := transport.Start(ctx); err != nil {
		c.killProcessLocked()
		c.mu.Unlock()
		return fmt.Errorf("failed to start transport: %w", err)
	}

	c.running = true
	c.nextRequestID = 1
	c.pending = make(map[RequestID]chan JSONRPCMessage)
	c.done = make(chan struct{})
	c.listenClosed = make(chan struct{})

	go c.listenMessages(transport, c.done, c.listenClosed)
	c.mu.Unlock()

	if err := c.handshake(ctx, transport); err != nil {
		c.Disconnect()
		return err
	}

	return nil
}

// spawnLocked starts the server subprocess with its standard streams wired as
// the transport's byte stream. Standard error is not protocol traffic; it is
// streamed to the logger line by line.
func (c *Client) spawnLocked() (Transport, error) {
	cmd := exec.Command(c.command, c.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server process: %w", err)
	}

	go c.logStderr(stderr)

	c.cmd = cmd
	c.stdin = stdin

	return NewStdIO(stdout, stdin), nil
}

func (c *Client) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("server stderr", slog.String("line", scanner.Text()))
	}
}

func (c *Client) handshake(ctx context.Context, transport Transport) error {
	var lastErr error

	for _, version := range c.candidateVersions() {
		res, err := c.request(ctx, methodInitialize, initializeParams{
			ProtocolVersion: version,
			Capabilities:    c.capabilities,
			ClientInfo:      c.info,
		})
		if err != nil {
			var srvErr *ServerError
			if errors.As(err, &srvErr) && isVersionMismatch(srvErr) {
				// Try the next candidate version.
				lastErr = err
				continue
			}
			return err
		}

		var result initializeResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return fmt.Errorf("%w: initialize result: %w", ErrDecodingFailed, err)
		}

		c.mu.Lock()
		c.serverInfo = result.ServerInfo
		c.serverCapabilities = result.Capabilities
		c.negotiatedVersion = result.ProtocolVersion
		c.connected = true
		c.mu.Unlock()

		c.logger.Info("connected",
			slog.String("server", result.ServerInfo.Name),
			slog.String("serverVersion", result.ServerInfo.Version),
			slog.String("protocolVersion", result.ProtocolVersion))

		// Best effort; the server treats it as an ordinary notification.
		c.sendNotification(ctx, transport, methodNotificationsInitialized, nil)

		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("%w: no acceptable protocol version: %w", ErrNotConnected, lastErr)
	}
	return ErrNotConnected
}

// candidateVersions lists the protocol versions offered during the handshake:
// the preferred version first, then every other supported version,
// de-duplicated.
func (c *Client) candidateVersions() []string {
	versions := make([]string, 0, len(SupportedProtocolVersions)+1)
	versions = append(versions, c.preferredVersion)
	for _, v := range SupportedProtocolVersions {
		if !slices.Contains(versions, v) {
			versions = append(versions, v)
		}
	}
	return versions
}

// Disconnect closes the subprocess's pipes, terminates and reaps the process,
// and clears all session state. Requests still awaiting a reply fail with
// ErrNotConnected. It is idempotent and safe to call when not connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	transport := c.transport
	done := c.done
	c.running = false
	c.connected = false
	c.serverInfo = Info{}
	c.serverCapabilities = ServerCapabilities{}
	c.negotiatedVersion = ""
	c.done = nil
	if !c.attached {
		c.transport = nil
	}
	stdin := c.stdin
	cmd := c.cmd
	c.stdin = nil
	c.cmd = nil
	c.mu.Unlock()

	close(done)
	transport.Stop()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	c.failPending()
}

func (c *Client) killProcessLocked() {
	if c.stdin != nil {
		_ = c.stdin.Close()
		c.stdin = nil
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	c.cmd = nil
	if !c.attached {
		c.transport = nil
	}
}

// ServerInfo returns the connected server's identity.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capability table the server advertised
// during the handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCapabilities
}

// NegotiatedVersion returns the protocol version agreed during the handshake,
// or an empty string when not connected.
func (c *Client) NegotiatedVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiatedVersion
}

// ListPrompts retrieves a paginated list of available prompts from the server.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	var result ListPromptResult
	err := c.call(ctx, MethodPromptsList, params, &result)
	return result, err
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	var result GetPromptResult
	err := c.call(ctx, MethodPromptsGet, params, &result)
	return result, err
}

// ListResources retrieves a paginated list of available resources from the
// server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	var result ListResourcesResult
	err := c.call(ctx, MethodResourcesList, params, &result)
	return result, err
}

// ReadResource retrieves the contents of a specific resource by URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	var result ReadResourceResult
	err := c.call(ctx, MethodResourcesRead, params, &result)
	return result, err
}

// ListResourceTemplates retrieves the available resource templates.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	var result ListResourceTemplatesResult
	err := c.call(ctx, MethodResourcesTemplatesList, params, &result)
	return result, err
}

// ListTools retrieves a paginated list of available tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	err := c.call(ctx, MethodToolsList, params, &result)
	return result, err
}

// CallTool executes a specific tool and returns its result.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	err := c.call(ctx, MethodToolsCall, params, &result)
	return result, err
}

// call is the shared typed-surface path: build params, send the request,
// await its correlated reply, surface peer errors as *ServerError, and decode
// the result into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	res, err := c.request(ctx, method, params)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(res.Result, out); err != nil {
		return fmt.Errorf("%w: %s result: %w", ErrDecodingFailed, method, err)
	}
	return nil
}

// request sends one request with the next id from the monotonically
// increasing counter, registers it in the pending table, and blocks until the
// reply with that id arrives. The id counter only advances for requests,
// never for notifications, and ids are never reused within a session.
func (c *Client) request(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("%w: %s params: %w", ErrEncodingFailed, method, err)
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return JSONRPCMessage{}, ErrNotConnected
	}
	id := NewIntRequestID(c.nextRequestID)
	c.nextRequestID++
	results := make(chan JSONRPCMessage, 1)
	c.pending[id] = results
	transport := c.transport
	done := c.done
	c.mu.Unlock()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.transportSend(sCtx, transport, msg); err != nil {
		c.dropPending(id)
		return JSONRPCMessage{}, err
	}

	timeout := time.NewTimer(c.readTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return JSONRPCMessage{}, ctx.Err()
	case <-done:
		return JSONRPCMessage{}, ErrNotConnected
	case <-timeout.C:
		c.dropPending(id)
		return JSONRPCMessage{}, fmt.Errorf("%w: %s timed out", ErrNoResponse, method)
	case res, ok := <-results:
		if !ok {
			// Teardown closes done before failing the pending table, so a
			// closed channel during Disconnect reports not-connected; a bare
			// stream death reports no-response.
			select {
			case <-done:
				return JSONRPCMessage{}, ErrNotConnected
			default:
			}
			return JSONRPCMessage{}, fmt.Errorf("%w: stream closed", ErrNoResponse)
		}
		if res.Error != nil {
			return JSONRPCMessage{}, &ServerError{
				Code:    res.Error.Code,
				Message: res.Error.Message,
				Data:    res.Error.Data,
			}
		}
		return res, nil
	}
}

func (c *Client) transportSend(ctx context.Context, transport Transport, msg JSONRPCMessage) error {
	if err := transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Method, err)
	}
	return nil
}

func (c *Client) sendNotification(ctx context.Context, transport Transport, method string, params any) {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			c.logger.Error("failed to marshal notification params",
				slog.String("method", method),
				slog.String("err", err.Error()))
			return
		}
		paramsBs = bs
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := transport.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		c.logger.Error("failed to send notification",
			slog.String("method", method),
			slog.String("err", err.Error()))
	}
}

// listenMessages consumes the transport's inbound stream, resolving replies
// against the pending table by request id. Requests from the peer are
// answered with method-not-found; notifications are logged.
func (c *Client) listenMessages(transport Transport, done <-chan struct{}, closed chan<- struct{}) {
	defer close(closed)

	for msg := range transport.Messages() {
		select {
		case <-done:
			return
		default:
		}

		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Info("dropping message with invalid jsonrpc version",
				slog.String("version", msg.JSONRPC))
			continue
		}

		switch msg.Kind() {
		case MessageKindResponse, MessageKindError:
			c.mu.Lock()
			results, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if !ok {
				c.logger.Warn("ignoring reply with no pending request",
					slog.String("id", msg.ID.String()))
				continue
			}
			results <- msg
		case MessageKindRequest:
			// Server-to-client requests are not supported by this client.
			c.replyMethodNotFound(transport, msg)
		case MessageKindNotification:
			c.logger.Debug("received notification", slog.String("method", msg.Method))
		default:
			c.logger.Warn("ignoring message with no method and no id")
		}
	}

	// The stream is gone; wake up anyone still waiting.
	c.failPending()
}

func (c *Client) replyMethodNotFound(transport Transport, msg JSONRPCMessage) {
	sCtx, sCancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer sCancel()

	if err := transport.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Error:   errorToJSONRPC(MethodNotFoundError{Method: msg.Method}),
	}); err != nil {
		c.logger.Error("failed to reject peer request",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[RequestID]chan JSONRPCMessage)
	c.mu.Unlock()

	for _, results := range pending {
		close(results)
	}
}

func (c *Client) dropPending(id RequestID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
