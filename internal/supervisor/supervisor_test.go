package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/triage-ai/bulwark/internal/errdefs"
)

// TestHelperProcess is re-invoked by the tests below as the supervised
// child. It is not a test.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		os.Exit(2)
	}
	switch args[0] {
	case "echo":
		fmt.Println(strings.Join(args[1:], " "))
	case "fail":
		fmt.Fprint(os.Stderr, "boom")
		os.Exit(3)
	case "spew":
		n, _ := strconv.Atoi(args[1])
		os.Stdout.Write(bytes.Repeat([]byte("x"), n))
	case "sleep":
		d, _ := time.ParseDuration(args[1])
		time.Sleep(d)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ready")
		time.Sleep(time.Minute)
	case "cwd":
		wd, _ := os.Getwd()
		fmt.Print(wd)
	case "env":
		fmt.Print(os.Getenv(args[1]))
	default:
		os.Exit(2)
	}
}

func helperSpec(args ...string) Spec {
	return Spec{
		Command: os.Args[0],
		Args:    append([]string{"-test.run=TestHelperProcess", "--"}, args...),
		Env:     append(os.Environ(), "GO_WANT_HELPER_PROCESS=1"),
	}
}

func TestSupervisor_Success(t *testing.T) {
	s := New(Config{}, nil)

	res, err := s.Run(context.Background(), helperSpec("echo", "hello", "world"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "hello world\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if res.ExitCode != 0 || res.Truncated || res.TimedOut {
		t.Fatalf("result = %+v", res)
	}
}

func TestSupervisor_NonZeroExit(t *testing.T) {
	s := New(Config{}, nil)

	res, err := s.Run(context.Background(), helperSpec("fail"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Stderr != "boom" {
		t.Fatalf("stderr = %q", res.Stderr)
	}
}

func TestSupervisor_TruncatesOutput(t *testing.T) {
	s := New(Config{MaxOutputBytes: 1024}, nil)

	res, err := s.Run(context.Background(), helperSpec("spew", "100000"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Stdout) != 1024 {
		t.Fatalf("stdout length = %d, want 1024", len(res.Stdout))
	}
	if !res.Truncated {
		t.Fatalf("expected truncation")
	}
}

func TestSupervisor_Timeout(t *testing.T) {
	s := New(Config{Timeout: 100 * time.Millisecond, GracePeriod: 100 * time.Millisecond}, nil)

	start := time.Now()
	res, err := s.Run(context.Background(), helperSpec("sleep", "30s"))
	if !errdefs.IsKind(err, errdefs.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if res == nil || !res.TimedOut {
		t.Fatalf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
}

func TestSupervisor_KillEscalation(t *testing.T) {
	s := New(Config{Timeout: 200 * time.Millisecond, GracePeriod: 200 * time.Millisecond}, nil)

	// The child ignores SIGTERM; only the SIGKILL escalation ends it.
	start := time.Now()
	res, err := s.Run(context.Background(), helperSpec("stubborn"))
	if !errdefs.IsKind(err, errdefs.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("escalation took %s", elapsed)
	}
}

func TestSupervisor_SpawnError(t *testing.T) {
	s := New(Config{}, nil)

	_, err := s.Run(context.Background(), Spec{Command: filepath.Join(t.TempDir(), "missing")})
	if !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSupervisor_ContextCancel(t *testing.T) {
	s := New(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := s.Run(ctx, helperSpec("sleep", "30s"))
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancel took %s", elapsed)
	}
}

func TestSupervisor_RunsInDir(t *testing.T) {
	s := New(Config{}, nil)
	dir := t.TempDir()

	spec := helperSpec("cwd")
	spec.Dir = dir
	res, err := s.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	got, err := filepath.EvalSymlinks(res.Stdout)
	if err != nil {
		t.Fatalf("EvalSymlinks(%q): %v", res.Stdout, err)
	}
	if got != want {
		t.Fatalf("cwd = %q, want %q", got, want)
	}
}

func TestSupervisor_ExplicitEnv(t *testing.T) {
	s := New(Config{}, nil)

	spec := helperSpec("env", "BULWARK_PROBE")
	spec.Env = append(spec.Env, "BULWARK_PROBE=42")
	res, err := s.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "42" {
		t.Fatalf("stdout = %q, want 42", res.Stdout)
	}
}
