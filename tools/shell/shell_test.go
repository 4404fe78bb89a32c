package shell

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/cortexflow/agentloop"
)

func TestShellExecEcho(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir, 5)
	args, _ := json.Marshal(map[string]any{"command": "echo hello"})
	out, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello\n" {
		t.Errorf("expected 'hello\\n', got %q", out)
	}
}

func TestShellExecWorkingDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(dir+"/test.txt", []byte("content"), 0644)
	tool := New(dir, 5)
	args, _ := json.Marshal(map[string]any{"command": "ls test.txt"})
	out, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "test.txt\n" {
		t.Errorf("expected test.txt, got %q", out)
	}
}

func TestShellExecBlocked(t *testing.T) {
	tool := New(t.TempDir(), 5)
	args, _ := json.Marshal(map[string]any{"command": "sudo reboot"})
	if _, err := tool.Invoke(context.Background(), args); err == nil {
		t.Error("expected blocked error")
	}
}

func TestShellExecTimeout(t *testing.T) {
	tool := New(t.TempDir(), 5)
	args, _ := json.Marshal(map[string]any{"command": "sleep 10", "timeout": 1})
	if _, err := tool.Invoke(context.Background(), args); err == nil {
		t.Error("expected timeout error")
	}
}

func TestShellExecStderr(t *testing.T) {
	tool := New(t.TempDir(), 5)
	args, _ := json.Marshal(map[string]any{"command": "echo out && echo err >&2"})
	out, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "out") {
		t.Error("missing stdout content")
	}
	if !strings.Contains(out, "err") {
		t.Error("missing stderr content")
	}
	if !strings.Contains(out, "stderr") {
		t.Error("missing stderr separator")
	}
}

func TestShellExecExitCode(t *testing.T) {
	tool := New(t.TempDir(), 5)
	args, _ := json.Marshal(map[string]any{"command": "exit 1"})
	_, err := tool.Invoke(context.Background(), args)
	if err == nil {
		t.Error("expected exit error")
	}
	if !strings.Contains(err.Error(), "exit") {
		t.Errorf("error should mention exit, got %q", err.Error())
	}
}

func TestShellExecEmptyCommand(t *testing.T) {
	tool := New(t.TempDir(), 5)
	args, _ := json.Marshal(map[string]any{"command": ""})
	_, err := tool.Invoke(context.Background(), args)
	if err == nil {
		t.Error("expected error for empty command")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error should mention required, got %q", err.Error())
	}
}

func TestShellExecMaxTimeoutCapped(t *testing.T) {
	tool := New(t.TempDir(), 5)
	// timeout=999 should be capped to 300, but command finishes fast anyway
	args, _ := json.Marshal(map[string]any{"command": "echo hi", "timeout": 999})
	out, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "hi") {
		t.Errorf("expected 'hi', got %q", out)
	}
}

func TestShellExecName(t *testing.T) {
	tool := New(t.TempDir(), 5)
	if tool.Name() != "shell_exec" {
		t.Errorf("expected 'shell_exec', got %q", tool.Name())
	}
}

func TestShellExecNoOutput(t *testing.T) {
	tool := New(t.TempDir(), 5)
	args, _ := json.Marshal(map[string]any{"command": "true"})
	out, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if out != "(no output)" {
		t.Errorf("expected '(no output)', got %q", out)
	}
}

func TestShellExecBlockedVariants(t *testing.T) {
	tool := New(t.TempDir(), 5)
	blocked := []string{
		"rm -rf /",
		"SUDO reboot",
		"mkfs.ext4 /dev/sda",
		"echo test > /dev/null && dd if=/dev/zero of=/tmp/x",
	}
	for _, cmd := range blocked {
		args, _ := json.Marshal(map[string]any{"command": cmd})
		if _, err := tool.Invoke(context.Background(), args); err == nil {
			t.Errorf("expected %q to be blocked", cmd)
		}
	}
}

var _ agentloop.Tool = (*Tool)(nil)
