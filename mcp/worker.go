package mcp

import (
	"fmt"
	"io"
	"os/exec"
)

// worker abstracts the underlying process so the supervision logic can be
// exercised in tests through in-memory pipes.
type worker interface {
	// start launches the process and returns its stdin, stdout and stderr.
	start() (io.WriteCloser, io.Reader, io.Reader, error)
	// wait blocks until the process exits.
	wait() error
	// kill terminates the process. Safe to call more than once.
	kill()
}

// execWorker runs a real OS process.
type execWorker struct {
	command string
	args    []string
	cmd     *exec.Cmd
}

func newExecWorker(command string, args []string) *execWorker {
	return &execWorker{command: command, args: args}
}

func (w *execWorker) start() (io.WriteCloser, io.Reader, io.Reader, error) {
	cmd := exec.Command(w.command, w.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, nil, nil, fmt.Errorf("start %s: %w", w.command, err)
	}

	w.cmd = cmd
	return stdin, stdout, stderr, nil
}

func (w *execWorker) wait() error {
	if w.cmd == nil {
		return nil
	}
	return w.cmd.Wait()
}

func (w *execWorker) kill() {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}
