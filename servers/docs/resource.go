package docs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/docmesh/mcp"
)

const uriScheme = "docs://"

// ListResources implements the mcp.ResourceServer interface. Each
// documentation file under the root is one resource; pages are delivered in
// path order.
func (s Server) ListResources(
	_ context.Context,
	params mcp.ListResourcesParams,
) (mcp.ListResourcesResult, error) {
	paths, err := s.documents()
	if err != nil {
		return mcp.ListResourcesResult{}, err
	}

	pagePaths, nextCursor, err := page(paths, params.Cursor, s.pageSize)
	if err != nil {
		return mcp.ListResourcesResult{}, err
	}

	resources := make([]mcp.Resource, 0, len(pagePaths))
	for _, rel := range pagePaths {
		resources = append(resources, mcp.Resource{
			URI:      uriScheme + rel,
			Name:     rel,
			MimeType: documentExtensions[filepath.Ext(rel)],
		})
	}

	return mcp.ListResourcesResult{
		Resources:  resources,
		NextCursor: nextCursor,
	}, nil
}

// ReadResource implements the mcp.ResourceServer interface.
func (s Server) ReadResource(
	_ context.Context,
	params mcp.ReadResourceParams,
) (mcp.ReadResourceResult, error) {
	rel, ok := strings.CutPrefix(params.URI, uriScheme)
	if !ok {
		return mcp.ReadResourceResult{}, fmt.Errorf("unsupported resource URI: %s", params.URI)
	}

	content, err := s.readDocument(rel)
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}

	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{
				URI:      params.URI,
				MimeType: documentExtensions[filepath.Ext(rel)],
				Text:     content,
			},
		},
	}, nil
}

// ListResourceTemplates implements the mcp.ResourceServer interface.
func (s Server) ListResourceTemplates(
	_ context.Context,
	_ mcp.ListResourceTemplatesParams,
) (mcp.ListResourceTemplatesResult, error) {
	return mcp.ListResourceTemplatesResult{
		Templates: []mcp.ResourceTemplate{
			{
				URITemplate: uriScheme + "{path}",
				Name:        "Documentation file",
				Description: "A documentation file under the served root directory, addressed by its relative path.",
			},
		},
	}, nil
}
