package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/docmesh/mcp"
)

var searchDocsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "pattern": {
      "type": "string",
      "description": "Glob pattern matched against document paths relative to the root, e.g. guides/**/*.md"
    },
    "query": {
      "type": "string",
      "description": "Optional case-insensitive text to look for inside matching documents"
    }
  },
  "required": ["pattern"]
}`)

var diffDocSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "Document path relative to the root"
    },
    "content": {
      "type": "string",
      "description": "Proposed new content of the document"
    }
  },
  "required": ["path", "content"]
}`)

var readDocSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "Document path relative to the root"
    }
  },
  "required": ["path"]
}`)

var toolList = mcp.ListToolsResult{
	Tools: []mcp.Tool{
		{
			Name: "search_docs",
			Description: `
Search the documentation tree for files whose path matches a glob pattern,
optionally filtered to files containing a text query. The query match is
case-insensitive and each hit is reported with the line it first occurs on.
Only searches within the served root directory.
        `,
			InputSchema: searchDocsSchema,
		},
		{
			Name: "read_doc",
			Description: `
Read the complete contents of a single documentation file by its path
relative to the served root directory.
        `,
			InputSchema: readDocSchema,
		},
		{
			Name: "diff_doc",
			Description: `
Compare a document's current content against a proposed replacement and
return a patch-style preview of the changes without modifying the file.
        `,
			InputSchema: diffDocSchema,
		},
	},
}

// ListTools implements the mcp.ToolServer interface.
func (s Server) ListTools(
	_ context.Context,
	_ mcp.ListToolsParams,
) (mcp.ListToolsResult, error) {
	return toolList, nil
}

// CallTool implements the mcp.ToolServer interface. Tool failures caused by
// bad input are reported inside the result with IsError set, so the engine
// still delivers them as a successful response.
func (s Server) CallTool(
	_ context.Context,
	params mcp.CallToolParams,
) (mcp.CallToolResult, error) {
	switch params.Name {
	case "search_docs":
		return s.searchDocs(params.Arguments)
	case "read_doc":
		return s.readDoc(params.Arguments)
	case "diff_doc":
		return s.diffDoc(params.Arguments)
	default:
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
}

func (s Server) searchDocs(args map[string]mcp.Value) (mcp.CallToolResult, error) {
	pattern, err := stringArg(args, "pattern")
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	query, err := optionalStringArg(args, "query")
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return toolError(fmt.Sprintf("invalid pattern %q: %v", pattern, err)), nil
	}

	paths, err := s.documents()
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	var result []mcp.Content
	for _, rel := range paths {
		if !g.Match(rel) {
			continue
		}

		if query == "" {
			result = append(result, mcp.Content{
				Type: mcp.ContentTypeText,
				Text: rel,
			})
			continue
		}

		content, err := s.readDocument(rel)
		if err != nil {
			return mcp.CallToolResult{}, err
		}

		line, ok := findQuery(content, query)
		if !ok {
			continue
		}

		result = append(result, mcp.Content{
			Type: mcp.ContentTypeText,
			Text: fmt.Sprintf("%s:%d", rel, line),
		})
	}

	if len(result) == 0 {
		return mcp.CallToolResult{
			Content: []mcp.Content{
				{
					Type: mcp.ContentTypeText,
					Text: "No documents found",
				},
			},
		}, nil
	}

	return mcp.CallToolResult{
		Content: result,
	}, nil
}

func (s Server) readDoc(args map[string]mcp.Value) (mcp.CallToolResult, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	content, err := s.readDocument(path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: content,
			},
		},
	}, nil
}

func (s Server) diffDoc(args map[string]mcp.Value) (mcp.CallToolResult, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	proposed, err := stringArg(args, "content")
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	current, err := s.readDocument(path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(current, proposed)
	if len(patches) == 0 {
		return mcp.CallToolResult{
			Content: []mcp.Content{
				{
					Type: mcp.ContentTypeText,
					Text: fmt.Sprintf("Document %s is unchanged", path),
				},
			},
		}, nil
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: dmp.PatchToText(patches),
			},
		},
	}, nil
}

// findQuery reports the 1-based line of the first case-insensitive occurrence
// of query in content.
func findQuery(content, query string) (int, bool) {
	idx := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if idx < 0 {
		return 0, false
	}
	return strings.Count(content[:idx], "\n") + 1, true
}

// toolError wraps a message as a failed tool result. The protocol delivers
// tool failures inside the result, not as wire errors.
func toolError(message string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: message,
			},
		},
		IsError: true,
	}
}

// Argument extraction fails with the engine's typed error so the router
// reports a proper invalid-params response instead of an internal error.
func stringArg(args map[string]mcp.Value, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", mcp.InvalidParamsError{Detail: fmt.Sprintf("missing required argument %q", name)}
	}
	str, err := v.AsString()
	if err != nil {
		return "", mcp.InvalidParamsError{Detail: fmt.Sprintf("argument %q must be a string", name)}
	}
	return str, nil
}

func optionalStringArg(args map[string]mcp.Value, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", nil
	}
	str, err := v.AsString()
	if err != nil {
		return "", mcp.InvalidParamsError{Detail: fmt.Sprintf("argument %q must be a string", name)}
	}
	return str, nil
}
