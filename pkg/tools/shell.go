package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// shellOutputLimit caps tool output fed back to the model.
const shellOutputLimit = 16 * 1024

// defaultShellTimeout bounds a single command when no timeout is set.
const defaultShellTimeout = 60 * time.Second

// ShellTool runs a command through `sh -c` in the workspace directory.
type ShellTool struct {
	Workspace string
	Timeout   time.Duration
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace and return its combined output"
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to run",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, ok := args["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command is required")
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.Workspace

	out, err := cmd.CombinedOutput()
	result := string(out)
	if len(result) > shellOutputLimit {
		result = result[:shellOutputLimit] + "\n... (output truncated)"
	}

	if ctx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		// Non-zero exit is a result the model should see, not a tool fault.
		return fmt.Sprintf("%s\n(exit error: %v)", result, err), nil
	}
	return result, nil
}

var _ Tool = (*ShellTool)(nil)
