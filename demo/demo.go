// Package demo registers a small set of tools, resources and prompts over a directory
// so `mcpwire serve` has something to offer.
package demo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"mcpwire/mcp"
)

var errOutsideRoot = errors.New("path escapes the served directory")

func describe(s string) *string { return &s }

// Register adds the demo surface to srv. Files are served read-only from root.
func Register(srv *mcp.Server, root string) error {
	files := fileStore{root: root}

	if err := srv.Tools.Register(mcp.Tool{
		Name:        "echo",
		Description: describe("Return the message unchanged"),
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]map[string]any{"message": {"type": "string"}},
			Required:   []string{"message"},
		},
	}, echo); err != nil {
		return err
	}

	if err := srv.Tools.Register(mcp.Tool{
		Name:        "list_files",
		Description: describe("List the entries of a directory under the served root"),
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]map[string]any{"path": {"type": "string"}},
		},
	}, files.list); err != nil {
		return err
	}

	if err := srv.Tools.Register(mcp.Tool{
		Name:        "read_file",
		Description: describe("Read a text file under the served root"),
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]map[string]any{"path": {"type": "string"}},
			Required:   []string{"path"},
		},
	}, files.read); err != nil {
		return err
	}

	if err := srv.Resources.RegisterTemplate(mcp.ResourceTemplate{
		Name:        "file",
		Description: describe("A top-level file under the served root"),
		URITemplate: "file:///{name}",
	}, files.resource); err != nil {
		return err
	}

	return srv.Prompts.Register(mcp.Prompt{
		Name:        "summarize",
		Description: describe("Ask for a summary of a file"),
		Arguments: []mcp.PromptArgument{
			{Name: "path", Required: true},
			{Name: "style", Description: describe("for example: terse, bullet points")},
		},
	}, summarize)
}

func echo(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	message, _ := args["message"].(string)
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(message)}}, nil
}

func summarize(_ context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
	text := fmt.Sprintf("Summarize the file %s.", args["path"])
	if style := args["style"]; style != "" {
		text += " Style: " + style + "."
	}
	return &mcp.GetPromptResult{
		Messages: []mcp.PromptMessage{{Role: mcp.RoleUser, Content: mcp.TextContent(text)}},
	}, nil
}

type fileStore struct {
	root string
}

// resolve maps a slash path onto root without letting it climb out.
func (f fileStore) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	full := filepath.Join(f.root, clean)
	rel, err := filepath.Rel(f.root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", errOutsideRoot
	}
	return full, nil
}

func (f fileStore) list(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	path, _ := args["path"].(string)
	dir, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(err.Error())}, IsError: true}, nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(strings.Join(names, "\n"))}}, nil
}

func (f fileStore) read(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	path, _ := args["path"].(string)
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(err.Error())}, IsError: true}, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(string(data))}}, nil
}

func (f fileStore) resource(_ context.Context, uri string, vars map[string]string) ([]mcp.ResourceContents, error) {
	full, err := f.resolve(vars["name"])
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{{URI: uri, MimeType: "text/plain", Text: string(data)}}, nil
}
