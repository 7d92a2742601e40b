package launch

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/duratask/internal/monitor"
)

// waitForExit polls ExitStatus until the process has written its result file.
func waitForExit(t *testing.T, c *monitor.Controller, ws string) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		code, err := c.ExitStatus(ws)
		if err != nil {
			t.Fatalf("ExitStatus() error = %v", err)
		}
		if code != nil {
			return *code
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("process did not exit within 5s")
	return -1
}

func TestShellScriptWritesLogAndResult(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "ws")

	sh := &ShellScript{Script: "echo hello\n"}
	c, err := sh.Launch(ws, nil)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer func() { _ = c.Cleanup(ws) }()

	if code := waitForExit(t, c, ws); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	var sink bytes.Buffer
	if _, err := c.WriteLog(ws, &sink); err != nil {
		t.Fatalf("WriteLog() error = %v", err)
	}
	if sink.String() != "hello\n" {
		t.Fatalf("log = %q, want %q", sink.String(), "hello\n")
	}
}

func TestShellScriptPropagatesExitCode(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "ws")

	sh := &ShellScript{Script: "exit 3\n"}
	c, err := sh.Launch(ws, nil)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer func() { _ = c.Cleanup(ws) }()

	if code := waitForExit(t, c, ws); code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestShellScriptCapturesOutput(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "ws")

	sh := &ShellScript{
		Script:        "echo result-data\necho to-stderr >&2\n",
		CaptureOutput: true,
	}
	c, err := sh.Launch(ws, nil)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer func() { _ = c.Cleanup(ws) }()

	if code := waitForExit(t, c, ws); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	output, err := c.Output(ws)
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if string(output) != "result-data\n" {
		t.Fatalf("captured output = %q, want %q", output, "result-data\n")
	}

	var sink bytes.Buffer
	if _, err := c.WriteLog(ws, &sink); err != nil {
		t.Fatalf("WriteLog() error = %v", err)
	}
	if sink.String() != "to-stderr\n" {
		t.Fatalf("log = %q, want only stderr %q", sink.String(), "to-stderr\n")
	}
}

func TestShellScriptSeesInjectedEnv(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "ws")

	// A value containing "$" must arrive byte for byte: the environment is
	// handed to the process directly, nothing rewrites it on the way.
	sh := &ShellScript{Script: "printf '%s\\n' \"$GREETING\"\n"}
	c, err := sh.Launch(ws, map[string]string{"GREETING": "bon$jour"})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer func() { _ = c.Cleanup(ws) }()

	if code := waitForExit(t, c, ws); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	var sink bytes.Buffer
	if _, err := c.WriteLog(ws, &sink); err != nil {
		t.Fatalf("WriteLog() error = %v", err)
	}
	if sink.String() != "bon$jour\n" {
		t.Fatalf("log = %q, want %q", sink.String(), "bon$jour\n")
	}
}

func TestShellScriptRunsInWorkspace(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "ws")

	sh := &ShellScript{Script: "pwd\n"}
	c, err := sh.Launch(ws, nil)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer func() { _ = c.Cleanup(ws) }()

	if code := waitForExit(t, c, ws); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	var sink bytes.Buffer
	if _, err := c.WriteLog(ws, &sink); err != nil {
		t.Fatalf("WriteLog() error = %v", err)
	}
	got, err := filepath.EvalSymlinks(strings.TrimSpace(sink.String()))
	if err != nil {
		t.Fatalf("EvalSymlinks() error = %v", err)
	}
	want, err := filepath.EvalSymlinks(ws)
	if err != nil {
		t.Fatalf("EvalSymlinks(ws) error = %v", err)
	}
	if got != want {
		t.Fatalf("pwd = %q, want %q", got, want)
	}
}

func TestShellScriptEmptyScript(t *testing.T) {
	sh := &ShellScript{Script: "   \n"}
	if _, err := sh.Launch(t.TempDir(), nil); err == nil {
		t.Fatalf("Launch() with empty script should fail")
	}
}

func TestBuildEnvStampsCookieLast(t *testing.T) {
	ws := "/some/workspace"
	env := buildEnv(ws, map[string]string{"A": "x$y"})

	want := monitor.CookieVar + "=" + monitor.CookieFor(ws)
	if env[len(env)-1] != want {
		t.Fatalf("last env entry = %q, want cookie %q", env[len(env)-1], want)
	}
	found := false
	for _, kv := range env {
		if kv == "A=x$y" {
			found = true
		}
	}
	if !found {
		t.Fatalf("caller env not passed through verbatim in %d entries", len(env))
	}
}

// watchHandler is a minimal Handler for the end-to-end watch test.
type watchHandler struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	code   int
	output []byte
	exited chan struct{}
}

func (h *watchHandler) Output(r io.Reader) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.Copy(&h.buf, r)
	return err
}

func (h *watchHandler) Exited(code int, output []byte) error {
	h.mu.Lock()
	h.code = code
	h.output = output
	h.mu.Unlock()
	close(h.exited)
	return nil
}

func TestLaunchAndWatchEndToEnd(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "ws")

	// Log output appears immediately; the exit code lands after a short
	// delay, well inside the 2s bound at a 100ms poll period.
	sh := &ShellScript{Script: "echo hello\nsleep 0.4\n"}
	c, err := sh.Launch(ws, nil)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	h := &watchHandler{exited: make(chan struct{})}
	if err := c.Watch(ws, h); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	select {
	case <-h.exited:
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not observe exit within 2s")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.buf.String() != "hello\n" {
		t.Fatalf("delivered = %q, want %q", h.buf.String(), "hello\n")
	}
	if h.code != 0 {
		t.Fatalf("exit code = %d, want 0", h.code)
	}
	if h.output != nil {
		t.Fatalf("output = %q, want nil without capture", h.output)
	}
	if _, err := os.Stat(c.ControlDir); !os.IsNotExist(err) {
		t.Fatalf("control dir still exists after watch completed")
	}
}
