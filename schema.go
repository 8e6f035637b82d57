package mcp

import (
	"encoding/json"
	"fmt"
)

// RequestID identifies a request-response pair. The protocol allows either a
// JSON number or a JSON string, encoded bare (never wrapped in an object).
// The zero RequestID marks a message that carries no id, i.e. a notification.
//
// RequestID is comparable and can be used as a map key, which is what the
// client's pending-request table relies on.
type RequestID struct {
	value any
}

// NewIntRequestID returns a RequestID carrying an integer value.
func NewIntRequestID(i int64) RequestID {
	return RequestID{value: i}
}

// NewStringRequestID returns a RequestID carrying a string value.
func NewStringRequestID(s string) RequestID {
	return RequestID{value: s}
}

// IsZero reports whether the id is unset. It drives the omitzero JSON tag on
// JSONRPCMessage.ID.
func (r RequestID) IsZero() bool {
	return r.value == nil
}

// Int returns the integer value and whether the id holds one.
func (r RequestID) Int() (int64, bool) {
	i, ok := r.value.(int64)
	return i, ok
}

// Str returns the string value and whether the id holds one.
func (r RequestID) Str() (string, bool) {
	s, ok := r.value.(string)
	return s, ok
}

func (r RequestID) String() string {
	switch v := r.value.(type) {
	case int64:
		return fmt.Sprintf("%d", v)
	case string:
		return v
	default:
		return ""
	}
}

// MarshalJSON encodes the id as a bare JSON number or string.
func (r RequestID) MarshalJSON() ([]byte, error) {
	switch v := r.value.(type) {
	case int64:
		return json.Marshal(v)
	case string:
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("request id is unset")
	}
}

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case float64:
		r.value = int64(v)
	case string:
		r.value = v
	default:
		return fmt.Errorf("invalid request id type: %T", v)
	}

	return nil
}

// MessageKind discriminates the four JSON-RPC message variants.
type MessageKind int

// Message variants, determined by field presence after decoding.
const (
	MessageKindInvalid MessageKind = iota
	MessageKindRequest
	MessageKindNotification
	MessageKindResponse
	MessageKindError
)

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in
// the MCP protocol. One struct covers all four variants; which one a decoded
// message is follows from which fields are populated (see Kind):
//   - Request: ID and Method are set
//   - Notification: Method is set, no ID
//   - Response: ID and Result are set
//   - Error response: ID and Error are set
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID correlates request-response pairs; unset for notifications
	ID RequestID `json:"id,omitzero"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// Kind reports which protocol variant the message is.
func (m JSONRPCMessage) Kind() MessageKind {
	switch {
	case m.Method != "" && !m.ID.IsZero():
		return MessageKindRequest
	case m.Method != "":
		return MessageKindNotification
	case m.Error != nil && !m.ID.IsZero():
		return MessageKindError
	case !m.ID.IsZero():
		return MessageKindResponse
	default:
		return MessageKindInvalid
	}
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0
// specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}

// Info contains metadata about a server or client instance including its name
// and version. It is exchanged during the handshake and never mutated after
// construction.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities represents server capabilities. The table is derived
// from the currently registered providers, never hand-set: a capability is
// only advertised when the matching provider slot is non-empty.
type ServerCapabilities struct {
	Experimental map[string]any       `json:"experimental,omitempty"`
	Logging      *LoggingCapability   `json:"logging,omitempty"`
	Prompts      *PromptsCapability   `json:"prompts,omitempty"`
	Resources    *ResourcesCapability `json:"resources,omitempty"`
	Tools        *ToolsCapability     `json:"tools,omitempty"`
}

// ClientCapabilities represents client capabilities.
type ClientCapabilities struct {
	Experimental map[string]any      `json:"experimental,omitempty"`
	Sampling     *SamplingCapability `json:"sampling,omitempty"`
	Roots        *RootsCapability    `json:"roots,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// ListPromptsParams contains parameters for listing available prompts.
type ListPromptsParams struct {
	// Cursor is an optional pagination cursor from a previous ListPrompts
	// call. Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListPromptResult represents a paginated list of prompts returned by
// ListPrompts. NextCursor can be used to retrieve the next page of results.
type ListPromptResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams contains parameters for retrieving a specific prompt.
type GetPromptParams struct {
	// Name is the unique identifier of the prompt to retrieve
	Name string `json:"name"`

	// Arguments is a map of argument name-value pairs
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult represents the result of a prompt request.
type GetPromptResult struct {
	Messages    []PromptMessage `json:"messages"`
	Description string          `json:"description,omitempty"`
}

// ListResourcesParams contains parameters for listing available resources.
type ListResourcesParams struct {
	// Cursor is a pagination cursor from a previous ListResources call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListResourcesResult represents a paginated list of resources returned by
// ListResources.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams contains parameters for retrieving a specific resource.
type ReadResourceParams struct {
	// URI is the unique identifier of the resource to retrieve.
	URI string `json:"uri"`
}

// ReadResourceResult represents the result of a read resource request.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ListResourceTemplatesParams contains parameters for listing available
// resource templates.
type ListResourceTemplatesParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListResourceTemplatesResult represents the result of a list resource
// templates request.
type ListResourceTemplatesResult struct {
	Templates  []ResourceTemplate `json:"resourceTemplates"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult represents a paginated list of tools returned by ListTools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a map of caller-defined argument values. Tools validate
	// the shape themselves.
	Arguments map[string]Value `json:"arguments,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation via CallTool.
// IsError indicates whether the operation failed, with details in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Prompt defines a template for generating prompts with optional arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument that can be passed to a prompt.
// Required indicates whether the argument must be provided when using the
// prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage represents a message in a prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Role represents the role in a conversation (user or assistant).
type Role string

// Role values.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource
	Resource *ResourceContents `json:"resource,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// ContentType values.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

// Resource represents a content resource in the system with associated
// metadata. The content can be fetched through ReadResource using the URI.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"` // For text resources
	Blob     string `json:"blob,omitempty"` // For binary resources
}

// ResourceTemplate defines a template for generating resource URIs.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Tool defines a callable tool with its input schema. InputSchema defines
// the expected format of arguments for CallTool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type notificationsResourcesUpdatedParams struct {
	URI string `json:"uri"`
}

// Protocol versions this module understands, newest first. Version strings
// are dates (YYYY-MM-DD) and therefore compare chronologically as plain
// strings, which the negotiation algorithm relies on.
const (
	// ProtocolVersion is the current, preferred protocol revision.
	ProtocolVersion = "2025-06-18"
	// ProtocolVersionLegacy is the oldest revision still accepted.
	ProtocolVersionLegacy = "2024-11-05"
)

// SupportedProtocolVersions lists every revision the engine speaks, newest
// first. Servers negotiate against this list; clients walk it during the
// handshake fallback.
var SupportedProtocolVersions = []string{ProtocolVersion, ProtocolVersionLegacy}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodPromptsList is the method name for retrieving a list of available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for retrieving a specific prompt by name.
	MethodPromptsGet = "prompts/get"

	// MethodResourcesList is the method name for listing available resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading the content of a specific resource.
	MethodResourcesRead = "resources/read"
	// MethodResourcesTemplatesList is the method name for listing available resource templates.
	MethodResourcesTemplatesList = "resources/templates/list"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	methodInitialize = "initialize"

	methodNotificationsInitialized          = "notifications/initialized"
	methodNotificationsPromptsListChanged   = "notifications/prompts/list_changed"
	methodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	methodNotificationsResourcesUpdated     = "notifications/resources/updated"
	methodNotificationsToolsListChanged     = "notifications/tools/list_changed"

	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
)
