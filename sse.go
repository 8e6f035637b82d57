package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer accepts Server-Sent Events connections and exposes each one as a
// Transport, so a Server engine can be attached per connection. Messages flow
// server-to-client over the SSE stream and client-to-server over an HTTP POST
// endpoint scoped by session ID.
//
// The HandleSSE and HandleMessage handlers are framework-agnostic and can be
// mounted on any mux. Instances should be created with NewSSEServer and shut
// down with Shutdown.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions         chan *sseSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done   chan struct{}
	closed chan struct{}
}

// SSEClient implements Transport over a Server-Sent Events connection:
// inbound messages arrive on the SSE stream, outbound messages are POSTed to
// the endpoint URL the server announces after the connection is established.
// Instances should be created with NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int

	mu         sync.Mutex
	messageURL string
	cancel     context.CancelFunc
	messages   chan JSONRPCMessage
	started    bool
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

// sseSession is the server-side Transport for one connected client.
type sseSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	done           chan struct{}
	stopOnce       sync.Once
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    JSONRPCMessage
}

type sseSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

// NewSSEServer creates an SSE server whose clients POST their messages to
// messageURL. The server is operational immediately; release it with
// Shutdown.
func NewSSEServer(messageURL string) SSEServer {
	return SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default().With(slog.String("component", "sse-server")),
		sessions:         make(chan *sseSession, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
}

// NewSSEClient creates an SSE transport that connects to connectURL. A nil
// httpClient falls back to http.DefaultClient.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default().With(slog.String("component", "sse-client")),
		messages:   make(chan JSONRPCMessage),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize caps the size of a single event received from
// the server. Oversized events terminate the stream.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// Transports returns an iterator yielding one Transport per connected client.
// The caller typically attaches a fresh Server engine to each. The iterator
// ends when the server shuts down.
func (s SSEServer) Transports() iter.Seq[Transport] {
	return func(yield func(Transport) bool) {
		defer close(s.closed)

		// Active sessions, keyed by session ID, for routing POSTed messages.
		sessionsMap := make(map[string]*sseSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendMessages()

				sessionsMap[sess.id] = sess

				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				session, ok := sessionsMap[msg.sessID]
				if !ok {
					// The session may already be closed.
					continue
				}

				select {
				case <-s.done:
					return
				case session.receivedMsgs <- msg.msg:
				}
			}
		}
	}
}

// Shutdown terminates all active connections and blocks until the transport
// loop has drained.
func (s SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for establishing SSE connections over GET
// requests. Each connection gets a unique session ID and is told its message
// endpoint through an initial "endpoint" event. The handler blocks until the
// session ends.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write SSE URL: %w", err)
			s.logger.Error("failed to write SSE URL", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush SSE: %w", err)
			s.logger.Error("failed to flush SSE", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		session := &sseSession{
			id:             sessID,
			sess:           sess,
			logger:         s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:       make(chan sseSessionSendMsg, 5),
			receivedMsgs:   make(chan JSONRPCMessage, 5),
			done:           make(chan struct{}),
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}

		select {
		case s.sessions <- session:
		case <-s.done:
			return
		}

		// Keep the HTTP connection open until the session is released.
		<-session.sendClosed
		<-session.receivedClosed

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler processing client messages POSTed
// with a sessionID query parameter. Decoded messages are routed to the
// matching session's inbound stream.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := errors.New("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		decoder := json.NewDecoder(r.Body)
		var msg JSONRPCMessage

		if err := decoder.Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
			return
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, msg: msg}:
		}
	})
}

// Start establishes the SSE connection and waits for the server to announce
// the message endpoint. The connection stays open until Stop is called or the
// stream fails.
func (s *SSEClient) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("sse transport already started")
	}
	s.started = true
	s.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	ready := make(chan error, 1)
	go s.listenSSEMessages(resp.Body, ready)

	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case err := <-ready:
		if err != nil {
			cancel()
			return err
		}
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	return nil
}

// Send transmits the message to the announced endpoint through an HTTP POST.
// It fails when the endpoint has not been announced yet, encoding fails, or
// the server responds with a non-200 status.
func (s *SSEClient) Send(ctx context.Context, msg JSONRPCMessage) error {
	s.mu.Lock()
	messageURL := s.messageURL
	s.mu.Unlock()
	if messageURL == "" {
		return ErrTransportNotConnected
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncodingFailed, err)
	}

	r := bytes.NewReader(msgBs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Messages returns an iterator over messages received on the SSE stream. The
// sequence ends when the stream closes or the transport is stopped.
func (s *SSEClient) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

// Stop tears down the SSE connection. Safe to call when not started.
func (s *SSEClient) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *SSEClient) listenSSEMessages(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(s.messages)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	announced := false

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			// The endpoint URL must parse before any message is routed to it.
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			s.mu.Lock()
			s.messageURL = u.String()
			s.mu.Unlock()
			announced = true
			ready <- nil
		case "message":
			// No messages before the endpoint announcement; the session is
			// not established yet.
			if !announced {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			s.messages <- msg
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}
}

// Start is a no-op for server-side sessions: the stream is live from the
// moment the HTTP connection upgrades.
func (s *sseSession) Start(_ context.Context) error { return nil }

// ID returns the unique session identifier assigned at connection time.
func (s *sseSession) ID() string { return s.id }

// Send queues the message as an SSE "message" event on this session's stream.
func (s *sseSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncodingFailed, err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message; the session pump serializes writes to the stream.
	select {
	case s.sendMsgs <- sseSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrTransportNotConnected
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrTransportNotConnected
	}
}

// Messages returns an iterator over messages POSTed by this session's client.
func (s *sseSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

// Stop releases the session and unblocks its HTTP handler.
func (s *sseSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *sseSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}

			sm.errs <- nil
		case <-s.done:
			return
		}
	}
}
