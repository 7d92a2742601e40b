// Package launch starts external commands whose completion is observed
// through a control directory. The launcher arranges the redirections and
// the final result-file write; everything after that point is file
// coordination handled by the monitor package, so the launching process is
// free to exit, restart, or observe from another machine.
package launch

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/mattjoyce/duratask/internal/log"
	"github.com/mattjoyce/duratask/internal/monitor"
)

const scriptFileName = "script.sh"

// Wrapper bodies executed by `sh -c`. Positional parameters carry the paths,
// so no shell quoting of user-controlled strings is ever needed. The exit
// code is written through a temp file and renamed so a partially written
// result file is never observed.
const (
	plainWrapper     = `"$1" "$2" > "$3" 2>&1; echo $? > "$4".tmp; mv "$4".tmp "$4"`
	capturingWrapper = `"$1" "$2" > "$3" 2> "$4"; echo $? > "$5".tmp; mv "$5".tmp "$5"`
)

// ShellScript launches a POSIX shell script. Stdout and stderr are
// interleaved into the log file; with CaptureOutput set, stdout goes to the
// output file instead and only stderr reaches the log.
type ShellScript struct {
	Script        string
	CaptureOutput bool

	// Shell overrides the interpreter, default "sh".
	Shell string
}

// Launch creates the control directory, writes the script into it, and
// starts the wrapper process detached in its own session. It returns as soon
// as the process has started; completion is observed via the Controller.
func (s *ShellScript) Launch(workspace string, env map[string]string) (*monitor.Controller, error) {
	if strings.TrimSpace(s.Script) == "" {
		return nil, fmt.Errorf("script is empty")
	}
	shell := s.Shell
	if shell == "" {
		shell = "sh"
	}

	c, err := monitor.NewController(workspace)
	if err != nil {
		return nil, err
	}
	dir, err := c.Dir(workspace)
	if err != nil {
		return nil, err
	}

	scriptPath := filepath.Join(dir, scriptFileName)
	if err := os.WriteFile(scriptPath, []byte(s.Script), 0o755); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}

	logPath, err := c.LogFile(workspace)
	if err != nil {
		return nil, err
	}
	resultPath, err := c.ResultFile(workspace)
	if err != nil {
		return nil, err
	}

	var cmd *exec.Cmd
	if s.CaptureOutput {
		outputPath, err := c.OutputFile(workspace)
		if err != nil {
			return nil, err
		}
		cmd = exec.Command(shell, "-c", capturingWrapper, "duratask-wrapper",
			shell, scriptPath, outputPath, logPath, resultPath)
	} else {
		cmd = exec.Command(shell, "-c", plainWrapper, "duratask-wrapper",
			shell, scriptPath, logPath, resultPath)
	}
	cmd.Dir = workspace
	cmd.Env = buildEnv(workspace, env)
	// Own session: survives the launching process and is only reachable for
	// bulk kills through the cookie variable.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = c.Cleanup(workspace)
		return nil, fmt.Errorf("start process: %w", err)
	}
	log.WithComponent("launch").Info("started durable process",
		"pid", cmd.Process.Pid, "control_dir", dir)

	// Reap the wrapper when it dies so it never lingers as a zombie. The
	// Controller deliberately keeps no reference to this handle.
	go func() { _ = cmd.Wait() }()

	return c, nil
}

// buildEnv merges the caller's variables over the current environment and
// stamps the workspace cookie last so nothing can shadow it. Values pass
// through verbatim: the slice goes straight into the process environment,
// with no expansion layer in between that would rewrite them.
func buildEnv(workspace string, env map[string]string) []string {
	merged := os.Environ()
	for _, k := range sortedKeys(env) {
		merged = append(merged, k+"="+env[k])
	}
	merged = append(merged, monitor.CookieVar+"="+monitor.CookieFor(workspace))
	return merged
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
