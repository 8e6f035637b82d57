package mcp

import (
	"context"
	"iter"
)

// Transport turns an unstructured byte stream into a sequence of discrete
// JSON-RPC messages and the reverse. A Transport carries exactly one session;
// both the Server and the Client engines own one at a time.
type Transport interface {
	// Start acquires the underlying stream and begins processing. It returns
	// an error if the stream cannot be opened. Start must be called before
	// Send or Messages.
	Start(ctx context.Context) error

	// Send encodes the message as compact JSON followed by exactly one
	// newline delimiter and writes it atomically to the outbound side.
	// Encoders must never insert structural newlines inside the payload;
	// receivers split purely on '\n'.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator over inbound messages. The sequence is
	// unbounded and finite only when the underlying stream closes or the
	// transport is stopped. Malformed lines are reported per-line and do not
	// end the sequence.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop releases the stream. Safe to call when not started, and safe to
	// call more than once.
	Stop()
}

// PromptServer answers prompt queries routed by the server engine. Providers
// are external collaborators: the engine only consumes this contract.
type PromptServer interface {
	// ListPrompts returns a paginated list of available prompts.
	ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error)

	// GetPrompt retrieves a specific prompt template by name with the given
	// arguments. Returns an error if the prompt is unknown or the arguments
	// are invalid.
	GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error)
}

// ResourceServer answers resource queries routed by the server engine.
type ResourceServer interface {
	// ListResources returns a paginated list of available resources.
	ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error)

	// ReadResource retrieves a specific resource by its URI.
	ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error)

	// ListResourceTemplates returns the available resource templates.
	ListResourceTemplates(ctx context.Context, params ListResourceTemplatesParams) (ListResourceTemplatesResult, error)
}

// ToolServer answers tool queries routed by the server engine.
type ToolServer interface {
	// ListTools returns a paginated list of available tools.
	ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments.
	CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error)
}

// PromptListUpdater is an optional upgrade on a PromptServer. When the
// registered provider implements it, the server advertises
// prompts.listChanged and forwards each update as a
// "notifications/prompts/list_changed" notification.
//
// A struct{} is sent through the iterator as only the notification matters,
// not the value.
type PromptListUpdater interface {
	PromptListUpdates() iter.Seq[struct{}]
}

// ResourceListUpdater is an optional upgrade on a ResourceServer, advertised
// as resources.listChanged and forwarded as
// "notifications/resources/list_changed".
type ResourceListUpdater interface {
	ResourceListUpdates() iter.Seq[struct{}]
}

// ResourceSubscriptionHandler is an optional upgrade on a ResourceServer,
// advertised as resources.subscribe. Each yielded URI is forwarded as a
// "notifications/resources/updated" notification.
type ResourceSubscriptionHandler interface {
	SubscribedResourceUpdates() iter.Seq[string]
}

// ToolListUpdater is an optional upgrade on a ToolServer, advertised as
// tools.listChanged and forwarded as "notifications/tools/list_changed".
type ToolListUpdater interface {
	ToolListUpdates() iter.Seq[struct{}]
}
