// Command docs-client spawns a docs-server subprocess and walks its surface:
// it lists the advertised resources and tools, then runs a search.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/docmesh/mcp"
)

func main() {
	serverBin := flag.String("server", "docs-server", "path to the docs-server binary")
	root := flag.String("root", ".", "documentation root passed to the server")
	pattern := flag.String("pattern", "**.md", "glob pattern for search_docs")
	flag.Parse()

	cli := mcp.NewClient(
		mcp.Info{Name: "docs-client", Version: "1.0.0"},
		mcp.WithCommand(*serverBin, "-root", *root),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer cli.Disconnect()

	info := cli.ServerInfo()
	fmt.Printf("Connected to %s %s (protocol %s)\n\n",
		info.Name, info.Version, cli.NegotiatedVersion())

	resources, err := cli.ListResources(ctx, mcp.ListResourcesParams{})
	if err != nil {
		log.Fatalf("failed to list resources: %v", err)
	}
	fmt.Println("Resources:")
	for _, r := range resources.Resources {
		fmt.Printf("  %s\n", r.URI)
	}

	tools, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		log.Fatalf("failed to list tools: %v", err)
	}
	fmt.Println("\nTools:")
	for _, tool := range tools.Tools {
		fmt.Printf("  %s\n", tool.Name)
	}

	result, err := cli.CallTool(ctx, mcp.CallToolParams{
		Name: "search_docs",
		Arguments: map[string]mcp.Value{
			"pattern": mcp.StringValue(*pattern),
		},
	})
	if err != nil {
		log.Fatalf("failed to call search_docs: %v", err)
	}
	fmt.Printf("\nsearch_docs %q:\n", *pattern)
	for _, content := range result.Content {
		fmt.Printf("  %s\n", content.Text)
	}
}
