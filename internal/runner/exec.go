package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultExecTimeout bounds a subprocess when Command.Timeout is zero.
const DefaultExecTimeout = time.Hour

// TailChars is how much of stdout/stderr ExecResult keeps.
const TailChars = 4000

// Command describes a subprocess to run.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	// LogWriter receives every stdout and stderr line as it is produced.
	LogWriter func(line string)
}

// ExecResult holds the outcome of a subprocess that ran to completion.
type ExecResult struct {
	ExitCode   int
	StdoutTail string
	StderrTail string
	Duration   time.Duration
}

// Exec runs cmd, streaming output lines to cmd.LogWriter. A non-zero exit
// status is not an error; it is reported in ExecResult.ExitCode. Failure to
// start and timeouts are returned as *Fault.
func Exec(ctx context.Context, cmd Command) (ExecResult, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.WaitDelay = 5 * time.Second
	c.Env = os.Environ()
	for k, v := range cmd.Env {
		c.Env = append(c.Env, k+"="+v)
	}

	stdoutPipe, err := c.StdoutPipe()
	if err != nil {
		return ExecResult{}, &Fault{Reason: "stdout pipe", Err: err}
	}
	stderrPipe, err := c.StderrPipe()
	if err != nil {
		return ExecResult{}, &Fault{Reason: "stderr pipe", Err: err}
	}

	start := time.Now()
	if err := c.Start(); err != nil {
		return ExecResult{}, &Fault{Reason: fmt.Sprintf("start %s", cmd.Name), Err: err}
	}

	// Serializes LogWriter calls from the two stream goroutines.
	var writeMu sync.Mutex
	stdout := newTail(TailChars)
	stderr := newTail(TailChars)

	var wg sync.WaitGroup
	wg.Go(func() { streamLines(stdoutPipe, &writeMu, cmd.LogWriter, stdout) })
	wg.Go(func() { streamLines(stderrPipe, &writeMu, cmd.LogWriter, stderr) })
	wg.Wait()

	waitErr := c.Wait()
	res := ExecResult{
		StdoutTail: stdout.String(),
		StderrTail: stderr.String(),
		Duration:   time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, &Fault{Reason: fmt.Sprintf("%s timed out after %s", cmd.Name, timeout), Timeout: true, Err: ctx.Err()}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, &Fault{Reason: fmt.Sprintf("wait %s", cmd.Name), Err: waitErr}
		}
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			return res, &Fault{Reason: fmt.Sprintf("%s killed", cmd.Name), Err: waitErr}
		}
	}
	return res, nil
}

// streamLines reads lines from r, hands each to logWriter (under mu) and
// keeps the tail in buf.
func streamLines(r io.Reader, mu *sync.Mutex, logWriter func(string), buf *tail) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteLine(line)
		if logWriter != nil {
			mu.Lock()
			logWriter(line)
			mu.Unlock()
		}
	}
	// Drain so the child never blocks on a full pipe after a scan error.
	_, _ = io.Copy(io.Discard, r)
}

// tail keeps roughly the last n characters written to it.
type tail struct {
	n int
	b strings.Builder
}

func newTail(n int) *tail { return &tail{n: n} }

func (t *tail) WriteLine(line string) {
	t.b.WriteString(line)
	t.b.WriteByte('\n')
	if t.b.Len() > 2*t.n {
		keep := t.String()
		t.b.Reset()
		t.b.WriteString(keep)
	}
}

func (t *tail) String() string {
	s := t.b.String()
	if len(s) > t.n {
		return s[len(s)-t.n:]
	}
	return s
}
