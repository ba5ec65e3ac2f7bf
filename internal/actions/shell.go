package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/weft-dev/weft/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// ShellConfig configures the shell.run action.
type ShellConfig struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
}

// ShellActions returns the shell.* builtin actions.
func ShellActions(cfg ShellConfig) []Action {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return []Action{
		&shellRunAction{cfg: cfg},
	}
}

const shellRunInputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string"},
    "args": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "cwd": {"type": "string"},
    "stdin": {"type": "string"},
    "timeout": {"type": "string"},
    "shell": {"type": "boolean", "default": false},
    "fail_on_nonzero": {"type": "boolean", "default": true}
  },
  "required": ["command"]
}`

const shellRunOutputSchema = `{
  "type": "object",
  "properties": {
    "stdout": {"type": "string"},
    "stderr": {"type": "string"},
    "exit_code": {"type": "integer"},
    "duration_ms": {"type": "integer"},
    "killed": {"type": "boolean"}
  }
}`

type shellRunAction struct {
	cfg ShellConfig
}

func (a *shellRunAction) Name() string { return "shell.run" }

func (a *shellRunAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Run a local command, capturing stdout, stderr, and the exit code.",
		InputSchema:  json.RawMessage(shellRunInputSchema),
		OutputSchema: json.RawMessage(shellRunOutputSchema),
	}
}

func (a *shellRunAction) Validate(input map[string]any) error {
	if stringParam(input, "command", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "shell.run: missing required param 'command'")
	}
	return nil
}

func (a *shellRunAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	command := stringParam(params, "command", "")
	args := stringSliceParam(params, "args")
	useShell := boolParam(params, "shell", false)
	failOnNonzero := boolParam(params, "fail_on_nonzero", true)

	timeout := a.cfg.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil && d > 0 {
			timeout = d
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if useShell {
		line := command
		if len(args) > 0 {
			line = command + " " + strings.Join(args, " ")
		}
		cmd = exec.CommandContext(runCtx, "/bin/sh", "-c", line)
	} else {
		cmd = exec.CommandContext(runCtx, command, args...)
	}

	if cwd := stringParam(params, "cwd", ""); cwd != "" {
		cmd.Dir = cwd
	}
	if env := stringMapParam(params, "env"); len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if stdin := stringParam(params, "stdin", ""); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: a.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: a.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	killed := runCtx.Err() == context.DeadlineExceeded
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if !killed {
			return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "shell.run: %v", runErr).WithCause(runErr)
		}
	}

	result := map[string]any{
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": durationMs,
		"killed":      killed,
	}

	if killed {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "shell.run: killed after %s", timeout).WithDetails(result)
	}
	if failOnNonzero && exitCode != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "shell.run: exit code %d", exitCode).WithDetails(result)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "shell.run: marshal output").WithCause(err)
	}
	return &ActionOutput{Data: data}, nil
}

// limitedWriter caps captured output; overflow is discarded rather
// than failing the command.
type limitedWriter struct {
	w         *bytes.Buffer
	remaining int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		return n, nil
	}
	if int64(n) > lw.remaining {
		lw.w.Write(p[:lw.remaining])
		lw.remaining = 0
		return n, nil
	}
	lw.w.Write(p)
	lw.remaining -= int64(n)
	return n, nil
}
