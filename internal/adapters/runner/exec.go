// Package runner provides a phase runner that executes an external command.
//
// The command receives one JSON request line on stdin. Interactive commands
// then receive one {"type":"input","text":...} line per SendInput call. It reports on stdout
// with JSON lines:
//
//	{"type":"progress","text":"drafting","percent":40}
//	{"type":"result","output":{"score":85},"text":"..."}
//	{"type":"error","message":"quota","retryable":true}
//
// Lines that are not JSON are forwarded as progress text.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/logging"
)

// Command is a named external command.
type Command struct {
	Path string
	Args []string
	Env  []string // KEY=VALUE
	Dir  string
	// Interactive keeps stdin open for input forwarding. Otherwise stdin is
	// closed after the request line.
	Interactive bool
}

// Request is the first line written to the command's stdin.
type Request struct {
	InstanceID string                 `json:"instance_id"`
	PhaseID    string                 `json:"phase_id"`
	Kind       string                 `json:"kind"`
	Attempt    int                    `json:"attempt"`
	Options    map[string]interface{} `json:"options,omitempty"`
	Context    map[string]interface{} `json:"context"`
}

// message is one stdout line.
type message struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Percent   float64                `json:"percent,omitempty"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
}

const defaultGracePeriod = 5 * time.Second

// ExecRunner runs phases through external commands.
type ExecRunner struct {
	commands    map[string]Command
	logger      *logging.Logger
	gracePeriod time.Duration
}

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *ExecRunner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithGracePeriod sets how long a cancelled command gets before SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(r *ExecRunner) {
		r.gracePeriod = d
	}
}

// NewExecRunner creates a runner resolving RunnerSpec.Name against commands.
func NewExecRunner(commands map[string]Command, opts ...Option) *ExecRunner {
	r := &ExecRunner{
		commands:    make(map[string]Command, len(commands)),
		logger:      logging.NewNop(),
		gracePeriod: defaultGracePeriod,
	}
	for name, c := range commands {
		r.commands[name] = c
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Names returns the configured command names, sorted.
func (r *ExecRunner) Names() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve merges the named command with the inline spec. An inline Command wins.
func (r *ExecRunner) resolve(spec core.RunnerSpec) (Command, error) {
	cmd, ok := r.commands[spec.Name]
	if spec.Command != "" {
		parts := strings.Fields(spec.Command)
		if len(parts) == 0 {
			return Command{}, core.ErrValidation(core.CodeInvalidPhaseConfig, "runner command is blank")
		}
		cmd.Path = parts[0]
		cmd.Args = append(parts[1:], spec.Args...)
		return cmd, nil
	}
	if !ok {
		return Command{}, core.ErrValidation(core.CodeInvalidPhaseConfig,
			fmt.Sprintf("runner %q is not configured", spec.Name))
	}
	cmd.Args = append(append([]string(nil), cmd.Args...), spec.Args...)
	return cmd, nil
}

// Run implements core.PhaseRunner.
func (r *ExecRunner) Run(ctx context.Context, req core.RunRequest, progress core.ProgressFunc) (*core.RunResult, error) {
	spec, err := r.resolve(req.Spec)
	if err != nil {
		return nil, err
	}
	logger := r.logger.WithRunner(req.Spec.Name).WithPhase(string(req.PhaseID))

	payload, err := json.Marshal(Request{
		InstanceID: string(req.InstanceID),
		PhaseID:    string(req.PhaseID),
		Kind:       string(req.Kind),
		Attempt:    req.Attempt,
		Options:    req.Spec.Options,
		Context:    req.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling runner request: %w", err)
	}

	// #nosec G204 -- command path and args come from validated config
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env,
		"QUORUM_FLOW_MANAGED=true",
		"QUORUM_FLOW_INSTANCE="+string(req.InstanceID),
		"QUORUM_FLOW_PHASE="+string(req.PhaseID),
	)
	cmd.Env = append(cmd.Env, spec.Env...)
	configureProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, core.ErrRunner(fmt.Sprintf("starting %s: %v", spec.Path, err), false).WithCause(err)
	}
	logger.Debug("runner: process started", "path", spec.Path, "pid", cmd.Process.Pid)

	var stdinMu sync.Mutex
	writeLine := func(data []byte) error {
		stdinMu.Lock()
		defer stdinMu.Unlock()
		_, err := stdin.Write(append(data, '\n'))
		return err
	}
	if err := writeLine(payload); err != nil {
		logger.Warn("runner: writing request", "error", err)
	}

	exited := make(chan struct{})
	if spec.Interactive || req.Spec.Options["interactive"] == true {
		go r.forwardInput(req.Input, writeLine, exited, logger)
	} else {
		_ = stdin.Close()
	}

	var (
		result  *core.RunResult
		failure *message
		scanErr error
	)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		result, failure, scanErr = readMessages(stdout, progress)
	}()

	var waitErr error
	waitDone := make(chan struct{})
	go func() {
		<-scanDone
		waitErr = cmd.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-ctx.Done():
		logger.Info("runner: stopping process", "reason", ctx.Err())
		gracefulKill(cmd, r.gracePeriod, waitDone)
		<-waitDone
		close(exited)
		return nil, ctx.Err()
	}
	close(exited)
	_ = stdin.Close()

	duration := time.Since(start)
	if scanErr != nil {
		logger.Error("runner: reading output", "error", scanErr)
		if errors.Is(scanErr, bufio.ErrTooLong) {
			return nil, core.ErrRunner(fmt.Sprintf("output line exceeds %d bytes", maxLineBytes), false).WithCause(scanErr)
		}
		return nil, core.ErrRunner("reading output: "+scanErr.Error(), false).WithCause(scanErr)
	}
	if failure != nil {
		logger.Warn("runner: reported error", "message", failure.Message, "retryable", failure.Retryable)
		return nil, core.ErrRunner(failure.Message, failure.Retryable)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		code := -1
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		logger.Error("runner: command failed", "exit_code", code, "duration", duration,
			"stderr", truncate(stderr.String(), 2000))
		return nil, classifyError(code, stderr.String())
	}
	if result == nil {
		return nil, core.ErrRunner("command exited without a result", false)
	}
	logger.Debug("runner: command completed", "duration", duration)
	return result, nil
}

func (r *ExecRunner) forwardInput(input <-chan string, write func([]byte) error, exited <-chan struct{}, logger *logging.Logger) {
	if input == nil {
		return
	}
	for {
		select {
		case <-exited:
			return
		case text, ok := <-input:
			if !ok {
				return
			}
			line, _ := json.Marshal(message{Type: "input", Text: text})
			if err := write(line); err != nil {
				logger.Warn("runner: forwarding input", "error", err)
				return
			}
		}
	}
}

// maxLineBytes caps one stdout line.
const maxLineBytes = 4 * 1024 * 1024

// readMessages consumes stdout until EOF. The last result or error line wins.
// On a scan error the rest of stdout is discarded so the child never blocks
// on a full pipe.
func readMessages(pipe io.Reader, progress core.ProgressFunc) (*core.RunResult, *message, error) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var (
		result  *core.RunResult
		failure *message
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg message
		if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &msg) != nil {
			emit(progress, core.Progress{Text: line, At: time.Now()})
			continue
		}
		switch msg.Type {
		case "result":
			result = &core.RunResult{Output: msg.Output, Text: msg.Text}
			failure = nil
		case "error":
			m := msg
			failure = &m
			result = nil
		default:
			emit(progress, core.Progress{Text: msg.Text, Percent: msg.Percent, At: time.Now()})
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, pipe)
		return nil, nil, err
	}
	return result, failure, nil
}

func emit(progress core.ProgressFunc, p core.Progress) {
	if progress != nil {
		progress(p)
	}
}

// classifyError converts a failed exit into a runner error.
// Transient-looking failures are retryable.
func classifyError(exitCode int, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = "(no error message captured)"
	}
	lower := strings.ToLower(msg)
	retryable := containsAny(lower, []string{"rate limit", "too many requests", "429", "timeout",
		"connection", "unreachable", "temporarily"})
	return core.ErrRunner(fmt.Sprintf("command failed with exit code %d: %s", exitCode, truncate(msg, 500)), retryable).
		WithDetail("exit_code", exitCode)
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "... [truncated]"
	}
	return s
}
