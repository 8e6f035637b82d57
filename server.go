package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements the server side of the Model Context Protocol (MCP). It
// owns at most one Transport at a time, runs the initialization handshake,
// and routes every subsequent request to whichever providers are registered.
//
// Session state (the initialized flag, the negotiated version, the derived
// capability table) is guarded by a single mutex so that concurrent request
// handling never races registration or teardown. A Server may be reused
// across Connect/Disconnect cycles.
type Server struct {
	info              Info
	instructions      string
	supportedVersions []string
	sendTimeout       time.Duration
	logger            *slog.Logger

	mu                sync.Mutex
	running           bool
	initialized       bool
	negotiatedVersion string
	capabilities      ServerCapabilities

	promptServer   PromptServer
	resourceServer ResourceServer
	toolServer     ToolServer

	transport  Transport
	done       chan struct{}
	loopClosed chan struct{}
	baseCancel context.CancelFunc
}

var defaultServerSendTimeout = 30 * time.Second

// NewServer creates a new MCP server identified by info. Providers may be
// supplied through options or registered later; either way the advertised
// capability table is derived from the registered set, never hand-set.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:              info,
		supportedVersions: SupportedProtocolVersions,
		logger:            slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	s.capabilities = deriveCapabilities(s.promptServer, s.resourceServer, s.toolServer)

	return s
}

// WithPromptServer returns a ServerOption that configures the prompt provider.
func WithPromptServer(srv PromptServer) ServerOption {
	return func(s *Server) {
		s.promptServer = srv
	}
}

// WithResourceServer returns a ServerOption that configures the resource provider.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(s *Server) {
		s.resourceServer = srv
	}
}

// WithToolServer returns a ServerOption that configures the tool provider.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithInstructions returns a ServerOption that configures the instructions
// string returned from the handshake.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's
// send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "server"),
		)
	}
}

// RegisterPromptServer replaces the prompt provider slot and recomputes the
// derived capabilities. Passing nil unregisters the provider. Registration is
// safe before or after Connect, but capabilities advertised to an
// already-connected client are fixed at handshake time and are not
// renegotiated. Updater goroutines are likewise snapshotted at Connect time:
// a provider registered mid-session has its change notifications forwarded
// from the next Connect on, not for the live session.
func (s *Server) RegisterPromptServer(srv PromptServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptServer = srv
	s.capabilities = deriveCapabilities(s.promptServer, s.resourceServer, s.toolServer)
}

// RegisterResourceServer replaces the resource provider slot and recomputes
// the derived capabilities. Passing nil unregisters the provider. The
// handshake and updater caveats on RegisterPromptServer apply here too.
func (s *Server) RegisterResourceServer(srv ResourceServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceServer = srv
	s.capabilities = deriveCapabilities(s.promptServer, s.resourceServer, s.toolServer)
}

// RegisterToolServer replaces the tool provider slot and recomputes the
// derived capabilities. Passing nil unregisters the provider. The handshake
// and updater caveats on RegisterPromptServer apply here too.
func (s *Server) RegisterToolServer(srv ToolServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolServer = srv
	s.capabilities = deriveCapabilities(s.promptServer, s.resourceServer, s.toolServer)
}

// Capabilities returns the capability table derived from the currently
// registered providers.
func (s *Server) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// NegotiatedVersion returns the protocol version fixed by the handshake, or
// an empty string before initialization.
func (s *Server) NegotiatedVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiatedVersion
}

// deriveCapabilities computes the advertised capability table from the
// provider set. A capability flag is only true when the matching provider is
// registered; nested flags follow the optional updater upgrades the provider
// implements.
func deriveCapabilities(prompts PromptServer, resources ResourceServer, tools ToolServer) ServerCapabilities {
	caps := ServerCapabilities{}

	if prompts != nil {
		caps.Prompts = &PromptsCapability{}
		if _, ok := prompts.(PromptListUpdater); ok {
			caps.Prompts.ListChanged = true
		}
	}
	if resources != nil {
		caps.Resources = &ResourcesCapability{}
		if _, ok := resources.(ResourceListUpdater); ok {
			caps.Resources.ListChanged = true
		}
		if _, ok := resources.(ResourceSubscriptionHandler); ok {
			caps.Resources.Subscribe = true
		}
	}
	if tools != nil {
		caps.Tools = &ToolsCapability{}
		if _, ok := tools.(ToolListUpdater); ok {
			caps.Tools.ListChanged = true
		}
	}

	return caps
}

// Connect attaches and starts the transport, then begins consuming its
// message stream until Disconnect is called or the stream closes. It fails
// with ErrAlreadyRunning when a transport is already attached.
func (s *Server) Connect(transport Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := transport.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start transport: %w", err)
	}

	s.transport = transport
	s.running = true
	s.baseCancel = cancel
	s.done = make(chan struct{})
	s.loopClosed = make(chan struct{})

	go s.listen(ctx, transport, s.done, s.loopClosed)
	s.startUpdaters(transport, s.done)

	return nil
}

// Disconnect stops the intake loop, releases the transport and resets the
// session state. It is a no-op when the server is not running. In-flight
// provider calls are cancelled.
func (s *Server) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	transport := s.transport
	done := s.done
	loopClosed := s.loopClosed
	cancel := s.baseCancel
	s.running = false
	s.initialized = false
	s.negotiatedVersion = ""
	s.transport = nil
	s.mu.Unlock()

	close(done)
	cancel()
	transport.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to stop intake loop: %w", ctx.Err())
	case <-loopClosed:
	}
	return nil
}

func (s *Server) listen(ctx context.Context, transport Transport, done <-chan struct{}, closed chan<- struct{}) {
	defer close(closed)

	for msg := range transport.Messages() {
		select {
		case <-done:
			return
		default:
		}
		s.dispatch(ctx, transport, msg)
	}
}

// dispatch hands one inbound message off for processing. Requests run in
// their own goroutine so a slow provider never blocks intake of the next
// message; all session-state access stays behind the mutex.
func (s *Server) dispatch(ctx context.Context, transport Transport, msg JSONRPCMessage) {
	if msg.JSONRPC != JSONRPCVersion {
		s.logger.Info("dropping message with invalid jsonrpc version",
			slog.String("version", msg.JSONRPC))
		return
	}

	switch msg.Kind() {
	case MessageKindRequest:
		go s.handleRequest(ctx, transport, msg)
	case MessageKindNotification:
		s.handleNotification(msg)
	case MessageKindResponse, MessageKindError:
		// A response arriving at a server is a protocol violation from the
		// remote peer.
		s.logger.Warn("ignoring unexpected response from peer",
			slog.String("id", msg.ID.String()))
	default:
		s.logger.Warn("ignoring message with no method and no id")
	}
}

func (s *Server) handleRequest(ctx context.Context, transport Transport, msg JSONRPCMessage) {
	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}

	result, err := s.route(ctx, msg)
	if err != nil {
		s.logger.Info("request failed",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		resMsg.Error = errorToJSONRPC(err)
	} else {
		resBs, mErr := json.Marshal(result)
		if mErr != nil {
			resMsg.Error = errorToJSONRPC(fmt.Errorf("%w: %w", ErrEncodingFailed, mErr))
		} else {
			resMsg.Result = resBs
		}
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := transport.Send(sendCtx, resMsg); err != nil {
		s.logger.Error("failed to send response",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
}

func (s *Server) handleNotification(msg JSONRPCMessage) {
	// No inbound notification requires action today; the initialized flag is
	// set by the initialize request itself, not by notifications/initialized.
	s.logger.Debug("received notification", slog.String("method", msg.Method))
}

func (s *Server) route(ctx context.Context, msg JSONRPCMessage) (any, error) {
	if msg.Method == methodInitialize {
		return s.handleInitialize(msg)
	}

	switch msg.Method {
	case MethodPromptsList, MethodPromptsGet,
		MethodResourcesList, MethodResourcesRead, MethodResourcesTemplatesList,
		MethodToolsList, MethodToolsCall:
	default:
		return nil, MethodNotFoundError{Method: msg.Method}
	}

	s.mu.Lock()
	initialized := s.initialized
	promptSrv := s.promptServer
	resourceSrv := s.resourceServer
	toolSrv := s.toolServer
	s.mu.Unlock()

	if !initialized {
		return nil, ErrNotInitialized
	}

	params, err := decodeParamsObject(msg.Params)
	if err != nil {
		return nil, err
	}

	switch msg.Method {
	case MethodPromptsList:
		if promptSrv == nil {
			return nil, CapabilityError{Capability: "prompts"}
		}
		cursor, err := optionalStringParam(params, "cursor")
		if err != nil {
			return nil, err
		}
		return promptSrv.ListPrompts(ctx, ListPromptsParams{Cursor: cursor})
	case MethodPromptsGet:
		if promptSrv == nil {
			return nil, CapabilityError{Capability: "prompts"}
		}
		name, err := requiredStringParam(params, "name")
		if err != nil {
			return nil, err
		}
		args, err := optionalStringMapParam(params, "arguments")
		if err != nil {
			return nil, err
		}
		return promptSrv.GetPrompt(ctx, GetPromptParams{Name: name, Arguments: args})
	case MethodResourcesList:
		if resourceSrv == nil {
			return nil, CapabilityError{Capability: "resources"}
		}
		cursor, err := optionalStringParam(params, "cursor")
		if err != nil {
			return nil, err
		}
		return resourceSrv.ListResources(ctx, ListResourcesParams{Cursor: cursor})
	case MethodResourcesRead:
		if resourceSrv == nil {
			return nil, CapabilityError{Capability: "resources"}
		}
		uri, err := requiredStringParam(params, "uri")
		if err != nil {
			return nil, err
		}
		return resourceSrv.ReadResource(ctx, ReadResourceParams{URI: uri})
	case MethodResourcesTemplatesList:
		if resourceSrv == nil {
			return nil, CapabilityError{Capability: "resources"}
		}
		cursor, err := optionalStringParam(params, "cursor")
		if err != nil {
			return nil, err
		}
		return resourceSrv.ListResourceTemplates(ctx, ListResourceTemplatesParams{Cursor: cursor})
	case MethodToolsList:
		if toolSrv == nil {
			return nil, CapabilityError{Capability: "tools"}
		}
		cursor, err := optionalStringParam(params, "cursor")
		if err != nil {
			return nil, err
		}
		return toolSrv.ListTools(ctx, ListToolsParams{Cursor: cursor})
	case MethodToolsCall:
		if toolSrv == nil {
			return nil, CapabilityError{Capability: "tools"}
		}
		name, err := requiredStringParam(params, "name")
		if err != nil {
			return nil, err
		}
		args, err := optionalObjectParam(params, "arguments")
		if err != nil {
			return nil, err
		}
		return toolSrv.CallTool(ctx, CallToolParams{Name: name, Arguments: args})
	default:
		return nil, MethodNotFoundError{Method: msg.Method}
	}
}

func (s *Server) handleInitialize(msg JSONRPCMessage) (initializeResult, error) {
	if len(msg.Params) == 0 {
		return initializeResult{}, InvalidParamsError{Detail: "missing initialize params"}
	}
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, InvalidParamsError{Detail: fmt.Sprintf("failed to unmarshal params: %s", err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return initializeResult{}, ErrAlreadyInitialized
	}

	version, err := negotiateVersion(s.supportedVersions, params.ProtocolVersion)
	if err != nil {
		return initializeResult{}, err
	}

	s.initialized = true
	s.negotiatedVersion = version

	s.logger.Info("session initialized",
		slog.String("client", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version),
		slog.String("protocolVersion", version))

	// The capability table advertised here is fixed for the lifetime of the
	// session; later registrations are not renegotiated.
	return initializeResult{
		ProtocolVersion: version,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

// negotiateVersion picks the protocol version for a session. supported is
// ordered newest-first and version strings are dates, so plain string
// comparison orders them chronologically. An exact match wins; otherwise the
// newest supported version not newer than the request is chosen; a request
// older than everything supported fails, naming both sides.
func negotiateVersion(supported []string, requested string) (string, error) {
	for _, v := range supported {
		if v == requested {
			return v, nil
		}
	}

	best := ""
	for _, v := range supported {
		if v <= requested && v > best {
			best = v
		}
	}
	if best != "" {
		return best, nil
	}

	return "", UnsupportedVersionError{Requested: requested, Supported: supported}
}

func (s *Server) startUpdaters(transport Transport, done <-chan struct{}) {
	if u, ok := s.promptServer.(PromptListUpdater); ok {
		go s.listenUpdates(transport, done, methodNotificationsPromptsListChanged, u.PromptListUpdates())
	}
	if u, ok := s.resourceServer.(ResourceListUpdater); ok {
		go s.listenUpdates(transport, done, methodNotificationsResourcesListChanged, u.ResourceListUpdates())
	}
	if u, ok := s.toolServer.(ToolListUpdater); ok {
		go s.listenUpdates(transport, done, methodNotificationsToolsListChanged, u.ToolListUpdates())
	}
	if h, ok := s.resourceServer.(ResourceSubscriptionHandler); ok {
		go s.listenSubscribedResources(transport, done, h)
	}
}

func (s *Server) listenUpdates(
	transport Transport,
	done <-chan struct{},
	method string,
	updates iter.Seq[struct{}],
) {
	for range updates {
		select {
		case <-done:
			return
		default:
		}
		s.sendNotification(transport, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  method,
		})
	}
}

func (s *Server) listenSubscribedResources(transport Transport, done <-chan struct{}, h ResourceSubscriptionHandler) {
	for uri := range h.SubscribedResourceUpdates() {
		select {
		case <-done:
			return
		default:
		}
		paramsBs, err := json.Marshal(notificationsResourcesUpdatedParams{URI: uri})
		if err != nil {
			s.logger.Error("failed to marshal resources updated params", "err", err)
			continue
		}
		s.sendNotification(transport, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsResourcesUpdated,
			Params:  paramsBs,
		})
	}
}

func (s *Server) sendNotification(transport Transport, msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := transport.Send(ctx, msg); err != nil {
		s.logger.Error("failed to send notification",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
}

// decodeParamsObject decodes a params payload into a string-keyed Value map.
// Absent or null params decode as an empty map; any other non-object shape is
// an invalid-params failure.
func decodeParamsObject(raw json.RawMessage) (map[string]Value, error) {
	if len(raw) == 0 {
		return map[string]Value{}, nil
	}

	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, InvalidParamsError{Detail: fmt.Sprintf("failed to decode params: %s", err)}
	}
	if v.IsNull() {
		return map[string]Value{}, nil
	}
	obj, err := v.AsObject()
	if err != nil {
		return nil, InvalidParamsError{Detail: "params must be an object"}
	}
	return obj, nil
}

func requiredStringParam(params map[string]Value, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", InvalidParamsError{Detail: fmt.Sprintf("missing required parameter %q", key)}
	}
	s, err := v.AsString()
	if err != nil {
		return "", InvalidParamsError{Detail: fmt.Sprintf("parameter %q must be a string", key)}
	}
	return s, nil
}

func optionalStringParam(params map[string]Value, key string) (string, error) {
	v, ok := params[key]
	if !ok || v.IsNull() {
		return "", nil
	}
	s, err := v.AsString()
	if err != nil {
		return "", InvalidParamsError{Detail: fmt.Sprintf("parameter %q must be a string", key)}
	}
	return s, nil
}

func optionalObjectParam(params map[string]Value, key string) (map[string]Value, error) {
	v, ok := params[key]
	if !ok || v.IsNull() {
		return nil, nil
	}
	obj, err := v.AsObject()
	if err != nil {
		return nil, InvalidParamsError{Detail: fmt.Sprintf("parameter %q must be an object", key)}
	}
	return obj, nil
}

func optionalStringMapParam(params map[string]Value, key string) (map[string]string, error) {
	obj, err := optionalObjectParam(params, key)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		s, err := v.AsString()
		if err != nil {
			return nil, InvalidParamsError{Detail: fmt.Sprintf("argument %q must be a string", k)}
		}
		out[k] = s
	}
	return out, nil
}
