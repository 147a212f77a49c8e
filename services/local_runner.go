package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"softgate-functions/models"
)

// LocalRunner runs deployments as child processes of the worker. Source is
// the unpacked build directory and Entrypoint a file inside it.
type LocalRunner struct {
	waitDelay time.Duration
}

func NewLocalRunner() *LocalRunner {
	return &LocalRunner{waitDelay: 2 * time.Second}
}

func (r *LocalRunner) Run(ctx context.Context, req *models.RunnerRequest) (*models.RunnerResult, error) {
	if len(req.Command) == 0 {
		return nil, &RunnerError{StatusCode: 500, Message: "runtime has no local command"}
	}
	info, err := os.Stat(req.Source)
	if err != nil || !info.IsDir() {
		return nil, &RunnerError{StatusCode: 500, Message: fmt.Sprintf("build source %q is not a directory", req.Source)}
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOf(req, defaultFunctionTimeout))
	defer cancel()

	args := append(append([]string{}, req.Command[1:]...), filepath.Join(req.Source, req.Entrypoint))
	cmd := exec.CommandContext(ctx, req.Command[0], args...)
	cmd.Dir = req.Source
	cmd.Env = environ(req.Variables)
	cmd.WaitDelay = r.waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdin = strings.NewReader(req.Payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start).Seconds()

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %.3fs", ErrRunnerTimeout, duration)
	}

	result := &models.RunnerResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.Status = models.StatusCompleted
		result.StatusCode = 200
		result.Response = strings.TrimSpace(stdout.String())
	case errors.As(err, &exitErr):
		result.Status = models.StatusFailed
		result.StatusCode = 500
		if result.Stderr == "" {
			result.Stderr = fmt.Sprintf("process exited with code %d", exitErr.ExitCode())
		}
	default:
		return nil, &RunnerError{StatusCode: 500, Message: err.Error()}
	}
	return result, nil
}

// inheritedEnv are the only worker variables a function process sees.
var inheritedEnv = []string{"PATH", "HOME", "LANG", "TZ", "TMPDIR"}

// environ renders the function's variables as KEY=value pairs in a stable
// order, on top of the inherited allowlist.
func environ(vars map[string]string) []string {
	merged := make(map[string]string, len(vars)+len(inheritedEnv))
	for _, k := range inheritedEnv {
		if v, ok := os.LookupEnv(k); ok {
			merged[k] = v
		}
	}
	for k, v := range vars {
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// timeoutOf returns the request timeout, or d when it has none.
func timeoutOf(req *models.RunnerRequest, d time.Duration) time.Duration {
	if req.Timeout > 0 {
		return time.Duration(req.Timeout) * time.Second
	}
	return d
}
