package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

const (
	// DefaultShellTimeout bounds one execute_shell call.
	DefaultShellTimeout = 60 * time.Second
	maxShellOutput      = 10 * 1024 * 1024
)

// capBuffer keeps the first limit bytes written and drops the rest.
type capBuffer struct {
	b         []byte
	limit     int
	truncated bool
}

func (c *capBuffer) Write(p []byte) (int, error) {
	remain := c.limit - len(c.b)
	if remain <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		c.b = append(c.b, p[:remain]...)
		c.truncated = true
		return len(p), nil
	}
	c.b = append(c.b, p...)
	return len(p), nil
}

func (c *capBuffer) String() string {
	if c.truncated {
		return string(c.b) + "\n[output truncated]"
	}
	return string(c.b)
}

type shellTool struct {
	timeout time.Duration
}

func (shellTool) Name() string        { return ExecuteShell }
func (shellTool) Description() string { return "Execute a shell command in the workspace root." }
func (shellTool) Schema() *jsonschema.Schema {
	return objectSchema([]string{"command"}, map[string]*jsonschema.Schema{
		"command": stringProp("The command to execute."),
		"workdir": stringProp("Optional working directory relative to the workspace root."),
	})
}

// Execute runs the command through the platform shell. A failing command is
// not an error: its exit code and output are returned as text for the model.
func (t shellTool) Execute(ctx context.Context, tc Context, args map[string]any) (any, error) {
	if tc.WorkspaceRoot == "" {
		return "Error: Workspace root is not bound; cannot execute shell command.", nil
	}
	cwd, err := resolvePath(tc, stringArg(args, "workdir"))
	if err != nil {
		return "Error: Working directory must remain within the workspace root.", nil
	}

	timeout := t.timeout
	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := shellCommand(ctx, stringArg(args, "command"))
	cmd.Dir = cwd
	stdout := &capBuffer{limit: maxShellOutput}
	stderr := &capBuffer{limit: maxShellOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		code := "unknown"
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = fmt.Sprint(ee.ExitCode())
		}
		msg := err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("command timed out after %s", timeout)
		}
		return fmt.Sprintf("Error executing command (code %s): %s\nSTDOUT:\n%s\nSTDERR:\n%s", code, msg, stdout, stderr), nil
	}
	return formatShellOutput(stdout.String(), stderr.String()), nil
}

func formatShellOutput(stdout, stderr string) string {
	switch {
	case stdout != "" && stderr != "":
		return stdout + "\nSTDERR:\n" + stderr
	case stdout != "":
		return stdout
	case stderr != "":
		return "STDERR:\n" + stderr
	}
	return ""
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}
