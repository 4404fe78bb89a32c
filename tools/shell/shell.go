// Package shell implements agentloop.Tool for executing shell commands in a
// sandboxed workspace directory.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cortexflow/agentloop"
)

// Tool executes shell commands in a sandboxed workspace.
type Tool struct {
	workspacePath  string
	defaultTimeout int // seconds
}

var _ agentloop.Tool = (*Tool)(nil)

// New creates a Tool. Commands run in workspacePath with the given default timeout.
func New(workspacePath string, defaultTimeout int) *Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = 30
	}
	return &Tool{workspacePath: workspacePath, defaultTimeout: defaultTimeout}
}

func (t *Tool) Name() string { return "shell_exec" }

func (t *Tool) Description() string {
	return "Execute a shell command in the workspace directory. Returns stdout + stderr. Use for running scripts, checking files, or system tasks."
}

func (t *Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`)
}

// blocklist of command substrings refused for safety, independent of any
// model-facing guardrail layer.
var blocklist = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

func (t *Tool) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("shell_exec: invalid input: %w", err)
	}
	if params.Command == "" {
		return "", fmt.Errorf("shell_exec: command is required")
	}

	lower := strings.ToLower(params.Command)
	for _, b := range blocklist {
		if strings.Contains(lower, b) {
			return "", fmt.Errorf("shell_exec: command blocked for safety: %s", b)
		}
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > 300 {
		timeout = 300
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Command)
	cmd.Dir = t.workspacePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}

	if len(output) > 4000 {
		output = output[:4000] + "\n... (truncated)"
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("shell_exec: command timed out after %ds: %s", timeout, output)
		}
		return "", fmt.Errorf("shell_exec: exit: %w: %s", err, output)
	}

	if output == "" {
		output = "(no output)"
	}

	return output, nil
}
