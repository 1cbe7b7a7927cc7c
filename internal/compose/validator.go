package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"
)

// Verdict is the outcome of validating a candidate artifact.
type Verdict int

const (
	Pass Verdict = iota
	Fail
	// Unavailable means the checker could not be run at all. It is treated
	// as a pass.
	Unavailable
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case Unavailable:
		return "unavailable"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Result is a Verdict plus the checker's diagnostic output.
type Result struct {
	Verdict Verdict
	Output  string
}

// Validator checks a candidate artifact at path.
type Validator interface {
	Validate(ctx context.Context, path string) Result
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, path string) Result

func (f ValidatorFunc) Validate(ctx context.Context, path string) Result { return f(ctx, path) }

// FilePlaceholder is replaced by the candidate path in ExecValidator commands.
const FilePlaceholder = "{file}"

// DefaultValidateTimeout bounds one validator run.
const DefaultValidateTimeout = 10 * time.Second

// DefaultValidateCommand asks docker compose to parse the candidate.
var DefaultValidateCommand = []string{"docker", "compose", "-f", FilePlaceholder, "config", "--quiet"}

// ExecValidator runs an external command. A missing binary yields Unavailable;
// a non-zero exit or timeout yields Fail.
type ExecValidator struct {
	Command []string
	Timeout time.Duration
}

func (v ExecValidator) Validate(ctx context.Context, path string) Result {
	command := v.Command
	if len(command) == 0 {
		command = DefaultValidateCommand
	}
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = DefaultValidateTimeout
	}

	args := make([]string, len(command))
	for i, a := range command {
		args[i] = strings.ReplaceAll(a, FilePlaceholder, path)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return Result{Verdict: Pass}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return Result{Verdict: Unavailable, Output: err.Error()}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return Result{Verdict: Fail, Output: fmt.Sprintf("validation timed out after %s", timeout)}
	}

	out := strings.TrimSpace(stderr.String())
	if out == "" {
		out = strings.TrimSpace(stdout.String())
	}
	if out == "" {
		out = err.Error()
	}
	return Result{Verdict: Fail, Output: out}
}
