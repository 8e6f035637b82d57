// Command docs-server serves a directory of documentation files over stdio.
// It is meant to be spawned as a subprocess by an MCP client; see
// example/docs-client.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/docmesh/mcp"
	"github.com/docmesh/mcp/servers/docs"
)

func main() {
	root := flag.String("root", ".", "root directory of the documentation tree")
	flag.Parse()

	// Stdout carries the protocol; logs go to stderr where the client
	// forwards them to its own logger.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	provider, err := docs.NewServer(*root)
	if err != nil {
		logger.Error("failed to create docs server", "err", err)
		os.Exit(1)
	}

	srv := mcp.NewServer(
		mcp.Info{Name: "docs-server", Version: "1.0.0"},
		mcp.WithPromptServer(provider),
		mcp.WithResourceServer(provider),
		mcp.WithToolServer(provider),
		mcp.WithServerLogger(logger),
		mcp.WithInstructions("Search and read the served documentation with the search_docs and read_doc tools."),
	)

	transport := mcp.NewStdIO(os.Stdin, os.Stdout)
	if err := srv.Connect(transport); err != nil {
		logger.Error("failed to connect transport", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-ctx.Done()

	if err := srv.Disconnect(context.Background()); err != nil {
		logger.Error("failed to disconnect", "err", err)
	}
}
