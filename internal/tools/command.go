package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

// commandRunner owns interactive sessions and background jobs for one
// process lifetime. Sessions and jobs never outlive the registry.
type commandRunner struct {
	mu       sync.Mutex
	sessions map[string]*commandSession
	jobs     map[string]*backgroundJob
}

type commandSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *boundedBuffer
	cancel context.CancelFunc
}

type backgroundJob struct {
	cmd    *exec.Cmd
	output *boundedBuffer
	done   chan struct{}
	err    error
}

// boundedBuffer caps captured output at max bytes, dropping the tail.
type boundedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int64
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int64(b.buf.Len()) >= b.max {
		return len(p), nil
	}
	room := b.max - int64(b.buf.Len())
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// RegisterCommand installs the command domain: bounded one-shot runs,
// PTY-style sessions and background jobs, all rooted in the sandbox.
func RegisterCommand(r *Registry) {
	runner := &commandRunner{
		sessions: make(map[string]*commandSession),
		jobs:     make(map[string]*backgroundJob),
	}
	r.Register("command", "run", runner.run)
	r.Register("command", "session_start", runner.sessionStart)
	r.Register("command", "session_send", runner.sessionSend)
	r.Register("command", "session_close", runner.sessionClose)
	r.Register("command", "background_job_start", runner.jobStart)
	r.Register("command", "background_job_status", runner.jobStatus)
	r.Register("command", "background_job_collect", runner.jobCollect)
}

func buildCommand(ctx context.Context, tc Context, args map[string]any) (*exec.Cmd, error) {
	command := stringArg(args, "command")
	if command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrValidation)
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = tc.WorkspaceRoot
	return cmd, nil
}

func (cr *commandRunner) run(ctx context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("command", "run")
	cmd, err := buildCommand(ctx, tc, args)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	stdout := &boundedBuffer{max: tc.Limits.MaxBytes}
	stderr := &boundedBuffer{max: tc.Limits.MaxBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		runErr = nil
	}
	if ctx.Err() != nil {
		trace.fail("command timed out")
		trace.Output = map[string]any{"stdout": stdout.String(), "stderr": stderr.String()}
		return trace, fmt.Errorf("%w: command timed out", ErrValidation)
	}
	if runErr != nil {
		trace.fail("run: %v", runErr)
		return trace, runErr
	}
	trace.count("exit_code", exitCode)
	if exitCode != 0 {
		trace.warn("command exited %d", exitCode)
	}
	trace.Output = map[string]any{
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	}
	return trace, nil
}

func (cr *commandRunner) sessionStart(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("command", "session_start")
	shell := stringArg(args, "shell")
	if shell == "" {
		shell = "/bin/sh"
	}
	// Session lifetime exceeds the invocation; detach from the op context.
	sessCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(sessCtx, shell, "-i")
	cmd.Dir = tc.WorkspaceRoot
	output := &boundedBuffer{max: tc.Limits.MaxBytes}
	cmd.Stdout = output
	cmd.Stderr = output
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		trace.fail("stdin: %v", err)
		return trace, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		trace.fail("start: %v", err)
		return trace, err
	}
	id := uuid.NewString()
	cr.mu.Lock()
	cr.sessions[id] = &commandSession{cmd: cmd, stdin: stdin, output: output, cancel: cancel}
	cr.mu.Unlock()
	trace.Output = map[string]any{"session_id": id}
	return trace, nil
}

func (cr *commandRunner) sessionSend(_ context.Context, _ Context, args map[string]any) (*Trace, error) {
	trace := newTrace("command", "session_send")
	cr.mu.Lock()
	sess := cr.sessions[stringArg(args, "session_id")]
	cr.mu.Unlock()
	if sess == nil {
		err := fmt.Errorf("%w: unknown session", ErrValidation)
		trace.fail("%v", err)
		return trace, err
	}
	if _, err := io.WriteString(sess.stdin, stringArg(args, "input")+"\n"); err != nil {
		trace.fail("send: %v", err)
		return trace, err
	}
	trace.Output = map[string]any{"output": sess.output.String()}
	return trace, nil
}

func (cr *commandRunner) sessionClose(_ context.Context, _ Context, args map[string]any) (*Trace, error) {
	trace := newTrace("command", "session_close")
	id := stringArg(args, "session_id")
	cr.mu.Lock()
	sess := cr.sessions[id]
	delete(cr.sessions, id)
	cr.mu.Unlock()
	if sess == nil {
		err := fmt.Errorf("%w: unknown session", ErrValidation)
		trace.fail("%v", err)
		return trace, err
	}
	_ = sess.stdin.Close()
	sess.cancel()
	_ = sess.cmd.Wait()
	trace.Output = map[string]any{"output": sess.output.String()}
	return trace, nil
}

func (cr *commandRunner) jobStart(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("command", "background_job_start")
	cmd, err := buildCommand(context.Background(), tc, args)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	output := &boundedBuffer{max: tc.Limits.MaxBytes}
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Start(); err != nil {
		trace.fail("start: %v", err)
		return trace, err
	}
	job := &backgroundJob{cmd: cmd, output: output, done: make(chan struct{})}
	go func() {
		job.err = cmd.Wait()
		close(job.done)
	}()
	id := uuid.NewString()
	cr.mu.Lock()
	cr.jobs[id] = job
	cr.mu.Unlock()
	trace.Output = map[string]any{"job_id": id}
	return trace, nil
}

func (cr *commandRunner) lookupJob(args map[string]any) (*backgroundJob, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	job := cr.jobs[stringArg(args, "job_id")]
	if job == nil {
		return nil, fmt.Errorf("%w: unknown job", ErrValidation)
	}
	return job, nil
}

func (cr *commandRunner) jobStatus(_ context.Context, _ Context, args map[string]any) (*Trace, error) {
	trace := newTrace("command", "background_job_status")
	job, err := cr.lookupJob(args)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	running := true
	select {
	case <-job.done:
		running = false
	default:
	}
	trace.Output = map[string]any{"running": running}
	return trace, nil
}

func (cr *commandRunner) jobCollect(ctx context.Context, _ Context, args map[string]any) (*Trace, error) {
	trace := newTrace("command", "background_job_collect")
	job, err := cr.lookupJob(args)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	select {
	case <-job.done:
	case <-ctx.Done():
		trace.fail("collect timed out")
		return trace, fmt.Errorf("%w: collect timed out", ErrValidation)
	}
	cr.mu.Lock()
	delete(cr.jobs, stringArg(args, "job_id"))
	cr.mu.Unlock()
	exitCode := 0
	if exitErr, ok := job.err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if job.err != nil {
		trace.warn("job error: %v", job.err)
	}
	trace.Output = map[string]any{"exit_code": exitCode, "output": job.output.String()}
	return trace, nil
}
