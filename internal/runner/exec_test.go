package runner_test

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/validator/internal/runner"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecStreamsLines(t *testing.T) {
	requireShell(t)

	var mu sync.Mutex
	var lines []string
	res, err := runner.Exec(context.Background(), runner.Command{
		Name: "sh",
		Args: []string{"-c", "echo one; echo two >&2; echo three"},
		LogWriter: func(line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, line)
		},
	})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if len(lines) != 3 {
		t.Errorf("got %d lines, want 3: %v", len(lines), lines)
	}
	if res.StdoutTail != "one\nthree\n" {
		t.Errorf("StdoutTail = %q", res.StdoutTail)
	}
	if res.StderrTail != "two\n" {
		t.Errorf("StderrTail = %q", res.StderrTail)
	}
}

func TestExecNonZeroExitIsNotAnError(t *testing.T) {
	requireShell(t)

	res, err := runner.Exec(context.Background(), runner.Command{Name: "sh", Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestExecEnvAndDir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	res, err := runner.Exec(context.Background(), runner.Command{
		Name: "sh",
		Args: []string{"-c", `echo "$GREETING"; pwd`},
		Dir:  dir,
		Env:  map[string]string{"GREETING": "hello"},
	})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if !strings.HasPrefix(res.StdoutTail, "hello\n") {
		t.Errorf("StdoutTail = %q, want greeting first", res.StdoutTail)
	}
	if !strings.Contains(res.StdoutTail, filepath.Base(dir)) {
		t.Errorf("StdoutTail = %q, want working dir %q", res.StdoutTail, dir)
	}
}

func TestExecTimeoutIsFault(t *testing.T) {
	requireShell(t)

	start := time.Now()
	_, err := runner.Exec(context.Background(), runner.Command{
		Name:    "sh",
		Args:    []string{"-c", "exec sleep 10"},
		Timeout: 100 * time.Millisecond,
	})
	var fault *runner.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("Exec() error = %v, want *Fault", err)
	}
	if !fault.Timeout {
		t.Error("Fault.Timeout = false, want true")
	}
	if time.Since(start) > 8*time.Second {
		t.Error("Exec did not honour the timeout")
	}
}

func TestExecMissingBinaryIsFault(t *testing.T) {
	_, err := runner.Exec(context.Background(), runner.Command{Name: "definitely-not-a-real-binary-xyz"})
	var fault *runner.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("Exec() error = %v, want *Fault", err)
	}
	if fault.Timeout {
		t.Error("Fault.Timeout = true, want false")
	}
}

func TestExecTailIsBounded(t *testing.T) {
	requireShell(t)

	res, err := runner.Exec(context.Background(), runner.Command{
		Name: "sh",
		Args: []string{"-c", "i=0; while [ $i -lt 2000 ]; do echo line-$i; i=$((i+1)); done"},
	})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if len(res.StdoutTail) > runner.TailChars {
		t.Errorf("len(StdoutTail) = %d, want <= %d", len(res.StdoutTail), runner.TailChars)
	}
	if !strings.HasSuffix(res.StdoutTail, "line-1999\n") {
		t.Errorf("StdoutTail should end with the last line, got %q", res.StdoutTail[len(res.StdoutTail)-20:])
	}
}
