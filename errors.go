package mcp

import (
	"errors"
	"fmt"
	"strings"
)

// Server-side state errors.
var (
	// ErrAlreadyRunning is returned by Connect when the server already owns
	// an active transport.
	ErrAlreadyRunning = errors.New("server already running")
	// ErrTransportNotConnected is returned when an operation needs an active
	// transport and none is attached.
	ErrTransportNotConnected = errors.New("transport not connected")
	// ErrNotInitialized rejects any request routed before a successful
	// initialize handshake.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrAlreadyInitialized rejects a second initialize request on the same
	// session.
	ErrAlreadyInitialized = errors.New("session already initialized")
	// ErrEncodingFailed wraps failures to encode an outbound message.
	ErrEncodingFailed = errors.New("encoding failed")
)

// Client-side errors.
var (
	// ErrInvalidCommand is returned by Connect when the client has neither a
	// command to spawn nor a transport to attach to.
	ErrInvalidCommand = errors.New("no server command configured")
	// ErrNotConnected is returned for calls made without an established
	// session, and fails requests still in flight when the session tears down.
	ErrNotConnected = errors.New("client not connected")
	// ErrDecodingFailed wraps a result payload whose shape does not match the
	// operation's expected result type.
	ErrDecodingFailed = errors.New("decoding failed")
	// ErrNoResponse is returned when the peer closes the stream before
	// replying to a pending request.
	ErrNoResponse = errors.New("no response received")
)

// MethodNotFoundError reports a request for a method the router does not
// know. It maps to JSON-RPC code -32601.
type MethodNotFoundError struct {
	Method string
}

func (e MethodNotFoundError) Error() string {
	return fmt.Sprintf("method not found: %s", e.Method)
}

// InvalidParamsError reports request params that are missing, undecodable, or
// of the wrong shape. It maps to JSON-RPC code -32602.
type InvalidParamsError struct {
	Detail string
}

func (e InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid params: %s", e.Detail)
}

// CapabilityError reports a request routed to a provider slot that has no
// provider registered.
type CapabilityError struct {
	Capability string
}

func (e CapabilityError) Error() string {
	return fmt.Sprintf("capability not supported: %s", e.Capability)
}

// UnsupportedVersionError is the structured handshake failure for a protocol
// version the server cannot negotiate. Requested and Supported travel in the
// wire error's data object so clients can classify the failure without
// sniffing the message text.
type UnsupportedVersionError struct {
	Requested string
	Supported []string
}

func (e UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version %q, supported versions: %s",
		e.Requested, strings.Join(e.Supported, ", "))
}

// ServerError wraps an error response reported by the peer over the wire.
type ServerError struct {
	Code    int
	Message string
	Data    map[string]any
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// errorToJSONRPC translates an engine error into the wire error object. The
// code mapping is fixed: state violations are invalid-request, unknown
// methods and bad params get their dedicated codes, and everything else
// (including unregistered capabilities and provider failures) is an internal
// error.
func errorToJSONRPC(err error) *JSONRPCError {
	var (
		methodNotFound MethodNotFoundError
		invalidParams  InvalidParamsError
		unsupportedVer UnsupportedVersionError
	)

	switch {
	case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrAlreadyInitialized):
		return &JSONRPCError{Code: jsonRPCInvalidRequestCode, Message: err.Error()}
	case errors.As(err, &methodNotFound):
		return &JSONRPCError{Code: jsonRPCMethodNotFoundCode, Message: err.Error()}
	case errors.As(err, &unsupportedVer):
		supported := make([]any, 0, len(unsupportedVer.Supported))
		for _, v := range unsupportedVer.Supported {
			supported = append(supported, v)
		}
		return &JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: err.Error(),
			Data: map[string]any{
				"requested": unsupportedVer.Requested,
				"supported": supported,
			},
		}
	case errors.As(err, &invalidParams):
		return &JSONRPCError{Code: jsonRPCInvalidParamsCode, Message: err.Error()}
	default:
		return &JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
	}
}

// isVersionMismatch classifies a handshake error response as a protocol
// version rejection. Servers built from this module mark the failure
// structurally through the data object; the words heuristic is kept as a
// fallback for foreign servers that only report a message string.
func isVersionMismatch(e *ServerError) bool {
	if e.Code == jsonRPCInvalidParamsCode && e.Data != nil {
		if _, ok := e.Data["supported"]; ok {
			return true
		}
	}
	lower := strings.ToLower(e.Message)
	return strings.Contains(lower, "protocol") || strings.Contains(lower, "version")
}
