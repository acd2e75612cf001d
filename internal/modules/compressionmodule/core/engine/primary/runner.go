package primary

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
)

// maxDiagnostics bounds how much stderr is kept for error classification
const maxDiagnostics = 16 * 1024

// CommandRunner runs an engine binary (enables mocking in tests).
// stdout receives the machine-readable progress stream; the returned
// diagnostics are the tail of stderr.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, stdout io.Writer) (diagnostics string, err error)
}

// ExecRunner implements CommandRunner using os/exec
type ExecRunner struct{}

// Run executes the command and waits for it
func (ExecRunner) Run(ctx context.Context, name string, args []string, stdout io.Writer) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := &tailBuffer{limit: maxDiagnostics}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	return stderr.String(), err
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, _ := t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
