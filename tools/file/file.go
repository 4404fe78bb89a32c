// Package file implements agentloop.Tool for file operations confined to a
// sandboxed workspace directory.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cortexflow/agentloop"
)

// workspace resolves paths relative to a root directory, rejecting absolute
// paths and traversal outside of it.
type workspace struct {
	root string
}

func (w workspace) resolve(path string) (string, error) {
	if path == "" {
		path = "."
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(w.root, path)
	if !strings.HasPrefix(resolved, w.root) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

const pathSchema = `{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`

// ReadTool reads a file from the workspace.
type ReadTool struct{ ws workspace }

// WriteTool writes a file in the workspace.
type WriteTool struct{ ws workspace }

// ListTool lists a workspace directory.
type ListTool struct{ ws workspace }

// DeleteTool removes a file or empty directory from the workspace.
type DeleteTool struct{ ws workspace }

// StatTool returns metadata for a workspace path.
type StatTool struct{ ws workspace }

var (
	_ agentloop.Tool = (*ReadTool)(nil)
	_ agentloop.Tool = (*WriteTool)(nil)
	_ agentloop.Tool = (*ListTool)(nil)
	_ agentloop.Tool = (*DeleteTool)(nil)
	_ agentloop.Tool = (*StatTool)(nil)
)

// New builds the five file-operation tools, all confined to workspacePath.
func New(workspacePath string) []agentloop.Tool {
	ws := workspace{root: workspacePath}
	return []agentloop.Tool{
		&ReadTool{ws: ws},
		&WriteTool{ws: ws},
		&ListTool{ws: ws},
		&DeleteTool{ws: ws},
		&StatTool{ws: ws},
	}
}

func (t *ReadTool) Name() string        { return "file_read" }
func (t *ReadTool) Description() string { return "Read a file from the workspace (truncated to 8000 chars if large)." }
func (t *ReadTool) InputSchema() json.RawMessage { return json.RawMessage(pathSchema) }

func (t *ReadTool) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("file_read: invalid input: %w", err)
	}
	resolved, err := t.ws.resolve(params.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("file_read: %w", err)
	}
	content := string(data)
	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}
	return content, nil
}

func (t *WriteTool) Name() string        { return "file_write" }
func (t *WriteTool) Description() string { return "Write content to a file in the workspace, creating parent directories if needed." }
func (t *WriteTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`)
}

func (t *WriteTool) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("file_write: invalid input: %w", err)
	}
	resolved, err := t.ws.resolve(params.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return "", fmt.Errorf("file_write: mkdir: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(params.Content), 0644); err != nil {
		return "", fmt.Errorf("file_write: %w", err)
	}
	return fmt.Sprintf("Written %d bytes to %s", len(params.Content), filepath.Base(resolved)), nil
}

func (t *ListTool) Name() string        { return "file_list" }
func (t *ListTool) Description() string { return "List files and directories in a workspace directory." }
func (t *ListTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to workspace (empty or '.' for root)"}}}`)
}

func (t *ListTool) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("file_list: invalid input: %w", err)
	}
	resolved, err := t.ws.resolve(params.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", fmt.Errorf("file_list: %w", err)
	}
	var b strings.Builder
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		fmt.Fprintf(&b, "%s\t%s\n", kind, e.Name())
	}
	return b.String(), nil
}

func (t *DeleteTool) Name() string        { return "file_delete" }
func (t *DeleteTool) Description() string { return "Delete a file or empty directory from the workspace." }
func (t *DeleteTool) InputSchema() json.RawMessage { return json.RawMessage(pathSchema) }

func (t *DeleteTool) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("file_delete: invalid input: %w", err)
	}
	resolved, err := t.ws.resolve(params.Path)
	if err != nil {
		return "", err
	}
	if err := os.Remove(resolved); err != nil {
		return "", fmt.Errorf("file_delete: %w", err)
	}
	return fmt.Sprintf("Deleted %s", filepath.Base(resolved)), nil
}

func (t *StatTool) Name() string        { return "file_stat" }
func (t *StatTool) Description() string { return "Get metadata for a file or directory in the workspace." }
func (t *StatTool) InputSchema() json.RawMessage { return json.RawMessage(pathSchema) }

func (t *StatTool) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("file_stat: invalid input: %w", err)
	}
	resolved, err := t.ws.resolve(params.Path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("file_stat: %w", err)
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	out, _ := json.Marshal(map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"type":     kind,
		"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	})
	return string(out), nil
}
