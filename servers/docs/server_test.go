package docs_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docmesh/mcp"
	"github.com/docmesh/mcp/servers/docs"
)

func writeTestDocs(t *testing.T) string {
	t.Helper()

	root := t.TempDir()

	files := map[string]string{
		"guide.md":         "# Guide\n\nPagination is covered in the API reference.\n",
		"api/reference.md": "# API Reference\n\nEndpoints return cursors for pagination.\n",
		"notes.txt":        "Scratch notes about the transport layer.\n",
		"main.go":          "package main\n",
	}
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			t.Fatalf("failed to create directory: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatalf("failed to write test file: %v", err)
		}
	}

	return root
}

func TestNewServerValidatesRoot(t *testing.T) {
	if _, err := docs.NewServer(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing root, got nil")
	}

	file := filepath.Join(t.TempDir(), "file.md")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := docs.NewServer(file); err == nil {
		t.Error("expected error for non-directory root, got nil")
	}
}

func TestListResources(t *testing.T) {
	srv, err := docs.NewServer(writeTestDocs(t))
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	result, err := srv.ListResources(context.Background(), mcp.ListResourcesParams{})
	if err != nil {
		t.Fatalf("ListResources failed: %v", err)
	}

	// Only documentation files, in path order; main.go is not a document.
	wantURIs := []string{
		"docs://api/reference.md",
		"docs://guide.md",
		"docs://notes.txt",
	}
	if len(result.Resources) != len(wantURIs) {
		t.Fatalf("wrong number of resources. Got %d, want %d",
			len(result.Resources), len(wantURIs))
	}
	for i, want := range wantURIs {
		if result.Resources[i].URI != want {
			t.Errorf("wrong resource at %d. Got %s, want %s",
				i, result.Resources[i].URI, want)
		}
	}
	if result.Resources[0].MimeType != "text/markdown" {
		t.Errorf("wrong mime type. Got %s, want text/markdown",
			result.Resources[0].MimeType)
	}
	if result.NextCursor != "" {
		t.Errorf("unexpected next cursor: %s", result.NextCursor)
	}
}

func TestListResourcesPagination(t *testing.T) {
	srv, err := docs.NewServer(writeTestDocs(t), docs.WithPageSize(2))
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ctx := context.Background()

	first, err := srv.ListResources(ctx, mcp.ListResourcesParams{})
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if len(first.Resources) != 2 {
		t.Fatalf("wrong first page size. Got %d, want 2", len(first.Resources))
	}
	if first.NextCursor == "" {
		t.Fatal("first page has no next cursor")
	}

	second, err := srv.ListResources(ctx, mcp.ListResourcesParams{Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if len(second.Resources) != 1 {
		t.Fatalf("wrong second page size. Got %d, want 1", len(second.Resources))
	}
	if second.NextCursor != "" {
		t.Errorf("last page has a next cursor: %s", second.NextCursor)
	}
	if second.Resources[0].URI != "docs://notes.txt" {
		t.Errorf("wrong resource on second page. Got %s, want docs://notes.txt",
			second.Resources[0].URI)
	}

	if _, err := srv.ListResources(ctx, mcp.ListResourcesParams{Cursor: "bogus"}); err == nil {
		t.Error("expected error for invalid cursor, got nil")
	}
}

func TestReadResource(t *testing.T) {
	srv, err := docs.NewServer(writeTestDocs(t))
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ctx := context.Background()

	result, err := srv.ReadResource(ctx, mcp.ReadResourceParams{URI: "docs://guide.md"})
	if err != nil {
		t.Fatalf("ReadResource failed: %v", err)
	}
	if len(result.Contents) != 1 {
		t.Fatalf("wrong number of contents. Got %d, want 1", len(result.Contents))
	}
	if !strings.HasPrefix(result.Contents[0].Text, "# Guide") {
		t.Errorf("wrong content: %q", result.Contents[0].Text)
	}

	if _, err := srv.ReadResource(ctx, mcp.ReadResourceParams{URI: "file:///etc/passwd"}); err == nil {
		t.Error("expected error for foreign URI scheme, got nil")
	}

	if _, err := srv.ReadResource(ctx, mcp.ReadResourceParams{URI: "docs://../outside.md"}); err == nil {
		t.Error("expected error for path escaping the root, got nil")
	}
}

func TestSearchDocs(t *testing.T) {
	srv, err := docs.NewServer(writeTestDocs(t))
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ctx := context.Background()

	t.Run("PatternOnly", func(t *testing.T) {
		result, err := srv.CallTool(ctx, mcp.CallToolParams{
			Name: "search_docs",
			Arguments: map[string]mcp.Value{
				"pattern": mcp.StringValue("**.md"),
			},
		})
		if err != nil {
			t.Fatalf("CallTool failed: %v", err)
		}
		if result.IsError {
			t.Fatalf("tool reported error: %+v", result.Content)
		}
		if len(result.Content) != 2 {
			t.Fatalf("wrong number of hits. Got %d, want 2", len(result.Content))
		}
		if result.Content[0].Text != "api/reference.md" {
			t.Errorf("wrong first hit. Got %s, want api/reference.md",
				result.Content[0].Text)
		}
	})

	t.Run("WithQuery", func(t *testing.T) {
		result, err := srv.CallTool(ctx, mcp.CallToolParams{
			Name: "search_docs",
			Arguments: map[string]mcp.Value{
				"pattern": mcp.StringValue("**.md"),
				"query":   mcp.StringValue("PAGINATION"),
			},
		})
		if err != nil {
			t.Fatalf("CallTool failed: %v", err)
		}
		if len(result.Content) != 2 {
			t.Fatalf("wrong number of hits. Got %d, want 2", len(result.Content))
		}
		// Hits carry the 1-based line of the first match.
		if result.Content[0].Text != "api/reference.md:3" {
			t.Errorf("wrong hit. Got %s, want api/reference.md:3",
				result.Content[0].Text)
		}
	})

	t.Run("NoMatches", func(t *testing.T) {
		result, err := srv.CallTool(ctx, mcp.CallToolParams{
			Name: "search_docs",
			Arguments: map[string]mcp.Value{
				"pattern": mcp.StringValue("nothing/*.md"),
			},
		})
		if err != nil {
			t.Fatalf("CallTool failed: %v", err)
		}
		if len(result.Content) != 1 || result.Content[0].Text != "No documents found" {
			t.Errorf("wrong empty result: %+v", result.Content)
		}
	})

	t.Run("BadPattern", func(t *testing.T) {
		result, err := srv.CallTool(ctx, mcp.CallToolParams{
			Name: "search_docs",
			Arguments: map[string]mcp.Value{
				"pattern": mcp.StringValue("[unclosed"),
			},
		})
		if err != nil {
			t.Fatalf("CallTool failed: %v", err)
		}
		if !result.IsError {
			t.Error("expected IsError for bad pattern")
		}
	})

	t.Run("MissingPattern", func(t *testing.T) {
		if _, err := srv.CallTool(ctx, mcp.CallToolParams{
			Name:      "search_docs",
			Arguments: map[string]mcp.Value{},
		}); err == nil {
			t.Error("expected error for missing pattern, got nil")
		}
	})
}

func TestReadDocTool(t *testing.T) {
	srv, err := docs.NewServer(writeTestDocs(t))
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	result, err := srv.CallTool(context.Background(), mcp.CallToolParams{
		Name: "read_doc",
		Arguments: map[string]mcp.Value{
			"path": mcp.StringValue("notes.txt"),
		},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool reported error: %+v", result.Content)
	}
	if !strings.Contains(result.Content[0].Text, "transport layer") {
		t.Errorf("wrong content: %q", result.Content[0].Text)
	}
}

func TestDiffDoc(t *testing.T) {
	srv, err := docs.NewServer(writeTestDocs(t))
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ctx := context.Background()

	t.Run("Changed", func(t *testing.T) {
		result, err := srv.CallTool(ctx, mcp.CallToolParams{
			Name: "diff_doc",
			Arguments: map[string]mcp.Value{
				"path":    mcp.StringValue("guide.md"),
				"content": mcp.StringValue("# Guide\n\nPagination is now covered here.\n"),
			},
		})
		if err != nil {
			t.Fatalf("CallTool failed: %v", err)
		}
		if result.IsError {
			t.Fatalf("tool reported error: %+v", result.Content)
		}
		if !strings.Contains(result.Content[0].Text, "@@") {
			t.Errorf("diff preview has no hunk header: %q", result.Content[0].Text)
		}
	})

	t.Run("Unchanged", func(t *testing.T) {
		current, err := os.ReadFile(filepath.Join(writeTestDocs(t), "guide.md"))
		if err != nil {
			t.Fatalf("failed to read fixture: %v", err)
		}
		result, err := srv.CallTool(ctx, mcp.CallToolParams{
			Name: "diff_doc",
			Arguments: map[string]mcp.Value{
				"path":    mcp.StringValue("guide.md"),
				"content": mcp.StringValue(string(current)),
			},
		})
		if err != nil {
			t.Fatalf("CallTool failed: %v", err)
		}
		if !strings.Contains(result.Content[0].Text, "unchanged") {
			t.Errorf("wrong unchanged result: %q", result.Content[0].Text)
		}
	})

	t.Run("MissingDocument", func(t *testing.T) {
		result, err := srv.CallTool(ctx, mcp.CallToolParams{
			Name: "diff_doc",
			Arguments: map[string]mcp.Value{
				"path":    mcp.StringValue("absent.md"),
				"content": mcp.StringValue("x"),
			},
		})
		if err != nil {
			t.Fatalf("CallTool failed: %v", err)
		}
		if !result.IsError {
			t.Error("expected IsError for missing document")
		}
	})
}

func TestCallToolUnknown(t *testing.T) {
	srv, err := docs.NewServer(writeTestDocs(t))
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	if _, err := srv.CallTool(context.Background(), mcp.CallToolParams{
		Name: "delete_everything",
	}); err == nil {
		t.Error("expected error for unknown tool, got nil")
	}
}

func TestPrompts(t *testing.T) {
	srv, err := docs.NewServer(writeTestDocs(t))
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ctx := context.Background()

	list, err := srv.ListPrompts(ctx, mcp.ListPromptsParams{})
	if err != nil {
		t.Fatalf("ListPrompts failed: %v", err)
	}
	if len(list.Prompts) != 1 || list.Prompts[0].Name != "summarize_doc" {
		t.Errorf("wrong prompt list: %+v", list.Prompts)
	}

	t.Run("GetPrompt", func(t *testing.T) {
		result, err := srv.GetPrompt(ctx, mcp.GetPromptParams{
			Name:      "summarize_doc",
			Arguments: map[string]string{"path": "guide.md", "style": "bullet points"},
		})
		if err != nil {
			t.Fatalf("GetPrompt failed: %v", err)
		}
		if len(result.Messages) != 1 {
			t.Fatalf("wrong number of messages. Got %d, want 1", len(result.Messages))
		}
		text := result.Messages[0].Content.Text
		if !strings.Contains(text, "bullet points") {
			t.Errorf("prompt does not carry the style: %q", text)
		}
		if !strings.Contains(text, "# Guide") {
			t.Errorf("prompt does not embed the document: %q", text)
		}
	})

	t.Run("MissingPath", func(t *testing.T) {
		if _, err := srv.GetPrompt(ctx, mcp.GetPromptParams{Name: "summarize_doc"}); err == nil {
			t.Error("expected error for missing path argument, got nil")
		}
	})

	t.Run("UnknownPrompt", func(t *testing.T) {
		if _, err := srv.GetPrompt(ctx, mcp.GetPromptParams{Name: "bogus"}); err == nil {
			t.Error("expected error for unknown prompt, got nil")
		}
	})
}
