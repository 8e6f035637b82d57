// Package docs implements a Model Context Protocol server exposing a
// directory of documentation files. Documents are served as resources under
// the docs:// scheme, searched and diffed through tools, and summarized
// through a prompt template.
package docs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Server provides documentation search over a single root directory. All
// operations are restricted to files under the root; document URIs use the
// docs:// scheme with the path relative to the root.
//
// It implements mcp.PromptServer, mcp.ResourceServer, and mcp.ToolServer.
type Server struct {
	root     string
	pageSize int
}

// Option is a function that configures a docs server.
type Option func(*Server)

// WithPageSize sets how many items a single list page carries. Defaults to 50.
func WithPageSize(size int) Option {
	return func(s *Server) {
		s.pageSize = size
	}
}

// NewServer creates a docs server rooted at the given directory. It returns
// an error if the root does not exist or is not a directory.
func NewServer(root string, options ...Option) (Server, error) {
	cleaned := filepath.Clean(root)
	info, err := os.Stat(cleaned)
	if err != nil {
		return Server{}, fmt.Errorf("failed to stat root directory: %w", err)
	}
	if !info.IsDir() {
		return Server{}, fmt.Errorf("root is not a directory: %s", root)
	}

	s := Server{
		root:     cleaned,
		pageSize: 50,
	}
	for _, opt := range options {
		opt(&s)
	}

	return s, nil
}

// documentExtensions lists the file suffixes treated as documentation, with
// the MIME type each one is served as.
var documentExtensions = map[string]string{
	".md":  "text/markdown",
	".txt": "text/plain",
}

// documents walks the root and returns the relative paths of every
// documentation file, sorted so pagination cursors stay stable between calls.
func (s Server) documents() ([]string, error) {
	var paths []string

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := documentExtensions[filepath.Ext(path)]; !ok {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk root directory: %w", err)
	}

	sort.Strings(paths)
	return paths, nil
}

// readDocument loads the document at the given relative path, rejecting any
// path that escapes the root.
func (s Server) readDocument(rel string) (string, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return "", err
	}

	bs, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read document %s: %w", rel, err)
	}
	return string(bs), nil
}

func (s Server) resolve(rel string) (string, error) {
	full := filepath.Join(s.root, filepath.Clean(filepath.FromSlash(rel)))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root directory: %s", rel)
	}
	return full, nil
}

// page slices items according to the cursor and page size. The cursor is the
// first item of the requested page; an empty cursor requests the first page.
// The next cursor is empty on the last page.
func page(items []string, cursor string, size int) ([]string, string, error) {
	start := 0
	if cursor != "" {
		idx := sort.SearchStrings(items, cursor)
		if idx >= len(items) || items[idx] != cursor {
			return nil, "", fmt.Errorf("invalid cursor: %s", cursor)
		}
		start = idx
	}

	end := start + size
	if end >= len(items) {
		return items[start:], "", nil
	}
	return items[start:end], items[end], nil
}
