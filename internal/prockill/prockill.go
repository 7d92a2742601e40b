// Package prockill terminates processes selected by an environment variable.
//
// Launchers stamp every spawned process tree with a workspace-scoped cookie
// variable; killing by that cookie reaches exactly the right tree even when
// the launching side holds no process handle anymore (or never did, because
// the handle cannot cross a serialization boundary).
package prockill

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/mattjoyce/duratask/internal/log"
)

// KillAllWithEnv sends SIGTERM to every process whose environment contains
// name=value. Processes whose environment cannot be read (typically other
// users' processes) are skipped. It does not wait for the processes to exit.
func KillAllWithEnv(name, value string) error {
	if name == "" || value == "" {
		return fmt.Errorf("empty environment selector %q=%q", name, value)
	}
	procs, err := process.Processes()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	logger := log.WithComponent("prockill")
	want := name + "=" + value
	self := int32(os.Getpid())
	var errs []error
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		env, err := p.Environ()
		if err != nil {
			continue
		}
		if !containsEnv(env, want) {
			continue
		}
		logger.Info("terminating process", "pid", p.Pid, "selector", name)
		if err := p.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("terminate pid %d: %w", p.Pid, err))
		}
	}
	return errors.Join(errs...)
}

func containsEnv(env []string, want string) bool {
	for _, kv := range env {
		// Some platforms report trailing NULs in environ entries.
		if strings.TrimRight(kv, "\x00") == want {
			return true
		}
	}
	return false
}
