// internal/process/supervisor.go

// Package process manages the external OS processes spawned for
// generation and build steps: starting them with a controlled
// environment, capturing their output, and tearing down whole
// process trees on cancellation.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	gops "github.com/shirou/gopsutil/v4/process"
)

// Spec describes an external process to spawn. Arguments are passed as
// discrete elements with no shell interpretation, so untrusted values
// (task descriptions, project names) cannot inject commands.
type Spec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Result carries the outcome of a finished process. Output streams are
// decoded permissively: generated subprocess text may be malformed and
// undecodable bytes are replaced rather than dropped or errored on.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Handle tracks a single spawned process until it exits
type Handle struct {
	cmd     *exec.Cmd
	pid     int
	done    chan struct{}
	result  Result
	waitErr error
}

// PID returns the OS process id, or -1 if the process never started
func (h *Handle) PID() int {
	return h.pid
}

// Done returns a channel that is closed when the process exits
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits or the context is cancelled.
// A context cancellation does not kill the process; use Supervisor.Cancel
// to tear the process tree down.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.waitErr
	case <-ctx.Done():
		return Result{ExitCode: -1}, ctx.Err()
	}
}

// Supervisor spawns and terminates external processes. It writes no
// state of its own; callers own any record bookkeeping.
type Supervisor struct {
	grace time.Duration
}

// DefaultGracePeriod is how long terminated processes get to exit
// before being killed.
const DefaultGracePeriod = 3 * time.Second

// Option configures a Supervisor instance
type Option func(*Supervisor)

// WithGracePeriod overrides the termination grace period
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		s.grace = d
	}
}

// NewSupervisor creates a new process supervisor
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{grace: DefaultGracePeriod}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts the described process with stdout and stderr captured in
// full. The returned handle exposes the pid immediately so callers can
// persist it before awaiting completion.
func (s *Supervisor) Spawn(spec Spec) (*Handle, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("spawn: empty command path")
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Path, err)
	}

	h := &Handle{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()

		h.result = Result{
			ExitCode: exitCode(cmd, err),
			Stdout:   decode(stdout.Bytes()),
			Stderr:   decode(stderr.Bytes()),
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				// Non-exit failures (I/O errors etc.) are surfaced to Wait
				h.waitErr = err
			}
		}
		close(h.done)
	}()

	return h, nil
}

// Cancel performs a best-effort termination of the process with the
// given pid and all of its descendants. Descendants are terminated
// before the process itself, everything gets the grace period to exit,
// and survivors are killed. Returns true if the top-level process was
// found and a termination attempt was made, false if it no longer
// exists. Individual failures on descendants are swallowed.
func (s *Supervisor) Cancel(pid int) bool {
	top, err := gops.NewProcess(int32(pid))
	if err != nil {
		return false
	}

	targets := append(descendants(top), top)

	for _, p := range targets {
		if err := p.Terminate(); err != nil {
			log.Printf("Terminate pid %d: %v", p.Pid, err)
		}
	}

	deadline := time.Now().Add(s.grace)
	for time.Now().Before(deadline) {
		if !anyRunning(targets) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, p := range targets {
		if running, _ := p.IsRunning(); running {
			if err := p.Kill(); err != nil {
				log.Printf("Kill pid %d: %v", p.Pid, err)
			}
		}
	}

	return true
}

// descendants walks the process tree breadth-first and returns every
// process below root, deepest entries last
func descendants(root *gops.Process) []*gops.Process {
	var all []*gops.Process
	frontier := []*gops.Process{root}

	for len(frontier) > 0 {
		p := frontier[0]
		frontier = frontier[1:]

		children, err := p.Children()
		if err != nil {
			continue
		}
		all = append(all, children...)
		frontier = append(frontier, children...)
	}

	return all
}

func anyRunning(procs []*gops.Process) bool {
	for _, p := range procs {
		if running, _ := p.IsRunning(); running {
			return true
		}
	}
	return false
}

// exitCode derives the exit status after Wait has returned
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// decode converts captured output to text, replacing invalid bytes
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
