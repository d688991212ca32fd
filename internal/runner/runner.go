// Package runner is the reference executor: it runs each task as a child
// process of a configured command-line tool.
//
// Contract with the tool: the task is handed over as JSON on stdin plus
// HIVE_TASK_* environment variables. Lines the tool prints in the form
// "::progress <percent> <phase>" become progress reports; the last JSON
// object in its output becomes the task result. Exit code 0 is success,
// 2 is an unrecoverable failure, anything else is recoverable.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	taskdomain "hive/internal/domain/task"
	"hive/internal/logging"
	"hive/internal/swarm"
)

const (
	progressPrefix = "::progress "

	// exitUnrecoverable is the exit code a tool uses to refuse a retry.
	exitUnrecoverable = 2

	// resultTailLimit bounds how much trailing output is searched for the
	// result object.
	resultTailLimit = 64 * 1024
)

// Options configure the subprocess executor.
type Options struct {
	// Command and Args form the tool invocation. The task id is appended
	// as the final argument.
	Command string
	Args    []string

	// Timeout bounds one task execution; zero means no bound beyond the
	// caller's context.
	Timeout time.Duration

	WorkDir     string
	Environment []string
}

// Runner implements swarm.Executor over a child process.
type Runner struct {
	opts   Options
	logger logging.Logger
}

var _ swarm.Executor = (*Runner)(nil)

// New builds a subprocess runner.
func New(opts Options, logger logging.Logger) *Runner {
	return &Runner{opts: opts, logger: logging.OrNop(logger)}
}

// Execute runs the tool against the task and parses its output.
func (r *Runner) Execute(ctx context.Context, t *taskdomain.Task, report func(swarm.Progress)) (json.RawMessage, error) {
	if r.opts.Command == "" {
		return nil, &swarm.ExecError{Failure: taskdomain.Failure{
			Type:        "config_error",
			Message:     "runner command is not configured",
			Recoverable: false,
		}}
	}

	runCtx := ctx
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	taskJSON, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}

	args := append(append([]string{}, r.opts.Args...), t.ID)
	cmd := exec.CommandContext(runCtx, r.opts.Command, args...)
	cmd.Dir = r.opts.WorkDir
	cmd.Env = append(os.Environ(), r.opts.Environment...)
	cmd.Env = append(cmd.Env,
		"HIVE_TASK_ID="+t.ID,
		"HIVE_TASK_TITLE="+t.Title,
		"HIVE_TASK_TYPE="+t.Type,
	)
	cmd.Stdin = bytes.NewReader(taskJSON)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &swarm.ExecError{Failure: taskdomain.Failure{
			Type:        "spawn_error",
			Message:     fmt.Sprintf("start %s: %v", r.opts.Command, err),
			Recoverable: true,
		}}
	}
	r.logger.Debug("runner started %s for task %s (pid %d)",
		r.opts.Command, t.ID, cmd.Process.Pid)

	tail := r.consumeOutput(stdout, report)
	waitErr := cmd.Wait()

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return nil, &swarm.ExecError{Failure: taskdomain.Failure{
			Type:        "timeout",
			Message:     fmt.Sprintf("tool exceeded %v", r.opts.Timeout),
			Recoverable: true,
		}}
	case ctx.Err() != nil:
		// Worker shutdown; surface the cancellation so the task is
		// released, not failed.
		return nil, ctx.Err()
	case waitErr != nil:
		return nil, r.failureFromExit(waitErr, &stderr)
	}

	return extractResult(tail), nil
}

// consumeOutput streams the tool's stdout, turning progress lines into
// reports and keeping a bounded tail for result extraction.
func (r *Runner) consumeOutput(stdout io.Reader, report func(swarm.Progress)) []byte {
	var tail bytes.Buffer
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if p, ok := parseProgress(line); ok {
			if report != nil {
				report(p)
			}
			continue
		}
		tail.WriteString(line)
		tail.WriteByte('\n')
		if tail.Len() > resultTailLimit {
			trimmed := tail.Bytes()[tail.Len()-resultTailLimit:]
			rest := make([]byte, len(trimmed))
			copy(rest, trimmed)
			tail.Reset()
			tail.Write(rest)
		}
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("runner output read failed: %v", err)
	}
	return tail.Bytes()
}

// parseProgress recognizes "::progress <percent> <phase...>" lines.
func parseProgress(line string) (swarm.Progress, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), progressPrefix)
	if !ok {
		return swarm.Progress{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return swarm.Progress{}, false
	}
	percent, err := strconv.Atoi(strings.TrimSuffix(fields[0], "%"))
	if err != nil || percent < 0 || percent > 100 {
		return swarm.Progress{}, false
	}
	return swarm.Progress{
		Percent: percent,
		Phase:   strings.Join(fields[1:], " "),
	}, true
}

// extractResult pulls the last JSON object out of the tool's output.
// Tools assembled around language models emit sloppy JSON often enough
// that a repair pass is worth trying before giving up.
func extractResult(tail []byte) json.RawMessage {
	start := bytes.LastIndexByte(tail, '{')
	for start >= 0 {
		candidate := bytes.TrimSpace(tail[start:])
		if json.Valid(candidate) {
			return json.RawMessage(candidate)
		}
		if repaired, err := jsonrepair.JSONRepair(string(candidate)); err == nil {
			if json.Valid([]byte(repaired)) {
				return json.RawMessage(repaired)
			}
		}
		start = bytes.LastIndexByte(tail[:start], '{')
	}
	return nil
}

// failureFromExit maps the tool's exit state onto the retry rule.
func (r *Runner) failureFromExit(waitErr error, stderr *bytes.Buffer) error {
	message := strings.TrimSpace(stderr.String())
	if message == "" {
		message = waitErr.Error()
	}
	if len(message) > 2048 {
		message = message[:2048]
	}

	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return &swarm.ExecError{Failure: taskdomain.Failure{
			Type:        "executor_error",
			Message:     message,
			Recoverable: true,
		}}
	}

	code := exitErr.ExitCode()
	failure := taskdomain.Failure{
		Type:        "exit_" + strconv.Itoa(code),
		Message:     message,
		Recoverable: code != exitUnrecoverable,
	}
	r.logger.Debug("runner exit code %d (recoverable=%t)", code, failure.Recoverable)
	return &swarm.ExecError{Failure: failure}
}
