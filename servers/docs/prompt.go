package docs

import (
	"context"
	"fmt"

	"github.com/docmesh/mcp"
)

var promptList = mcp.ListPromptResult{
	Prompts: []mcp.Prompt{
		{
			Name:        "summarize_doc",
			Description: "Build a prompt asking for a summary of one documentation file.",
			Arguments: []mcp.PromptArgument{
				{
					Name:        "path",
					Description: "Document path relative to the served root directory",
					Required:    true,
				},
				{
					Name:        "style",
					Description: "Optional summary style, e.g. \"bullet points\" or \"one paragraph\"",
				},
			},
		},
	},
}

// ListPrompts implements the mcp.PromptServer interface.
func (s Server) ListPrompts(
	_ context.Context,
	_ mcp.ListPromptsParams,
) (mcp.ListPromptResult, error) {
	return promptList, nil
}

// GetPrompt implements the mcp.PromptServer interface. The document content
// is embedded into the prompt so the caller does not need a second round trip
// to read the resource.
func (s Server) GetPrompt(
	_ context.Context,
	params mcp.GetPromptParams,
) (mcp.GetPromptResult, error) {
	if params.Name != "summarize_doc" {
		return mcp.GetPromptResult{}, fmt.Errorf("prompt not found: %s", params.Name)
	}

	path, ok := params.Arguments["path"]
	if !ok {
		return mcp.GetPromptResult{}, mcp.InvalidParamsError{Detail: `missing required argument "path"`}
	}

	content, err := s.readDocument(path)
	if err != nil {
		return mcp.GetPromptResult{}, err
	}

	style := params.Arguments["style"]
	if style == "" {
		style = "a short paragraph"
	}

	return mcp.GetPromptResult{
		Description: fmt.Sprintf("Summarize %s", path),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: fmt.Sprintf("Summarize the following document as %s.\n\n%s", style, content),
				},
			},
		},
	}, nil
}
