package monitor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattjoyce/duratask/internal/log"
	"github.com/mattjoyce/duratask/internal/prockill"
)

// ErrLargeRead is returned by WriteLog when the undelivered portion of the
// log exceeds what a single bounded read can address. Surfacing it beats
// truncating silently.
var ErrLargeRead = errors.New("large reads not yet implemented")

// CorruptResultError reports a result file whose content is not an integer.
// It is a distinct type so callers can tell "corrupted" apart from
// "still running": treating it as the latter would hang them forever.
type CorruptResultError struct {
	Path    string
	Content string
}

func (e *CorruptResultError) Error() string {
	return fmt.Sprintf("corrupted content in %s: %q", e.Path, e.Content)
}

// Controller is the handle returned by a launch. It is the only state that
// crosses the launch/observe boundary: a path plus small scalars, no live
// handles, so it can be marshaled, shipped to another process or machine,
// and reconstructed after a restart. All observation is done by reading the
// files the launched process writes into the control directory.
//
// WriteLog and Watch keep independent offsets (an instance field here, a
// marker file there). Using both on the same control directory delivers
// bytes twice; use exactly one observation mode per task.
type Controller struct {
	// ControlDir is the absolute path of the control directory.
	ControlDir string `json:"control_dir,omitempty"`

	// LegacyID is only present on handles serialized by pre-migration
	// releases, which stored an identifier instead of a resolved path.
	// Cleared by the one-time migration in Dir.
	LegacyID string `json:"legacy_id,omitempty"`

	// LastLocation is the log byte offset already copied by WriteLog. Not
	// consulted by Watch, which persists its own offset in the marker file.
	LastLocation int64 `json:"last_location,omitempty"`
}

// NewController creates the control directory for a new task under the
// workspace's scratch sibling. The directory exists before the external
// process starts so the process can write into it immediately.
func NewController(workspace string) (*Controller, error) {
	cd, err := newControlDir(workspace)
	if err != nil {
		return nil, err
	}
	return &Controller{ControlDir: cd}, nil
}

// Dir returns the absolute control directory path, migrating handles from
// the legacy dot-prefixed layouts on first access. The probe runs at most
// once per Controller instance; the resolved path is cached.
func (c *Controller) Dir(workspace string) (string, error) {
	if c.ControlDir != "" {
		return c.ControlDir, nil
	}
	if c.LegacyID == "" {
		return "", errors.New("controller has no control directory")
	}
	cd := filepath.Join(workspace, "."+c.LegacyID)
	if st, err := os.Stat(cd); err != nil || !st.IsDir() {
		cd = filepath.Join(workspace, ".jenkins-"+c.LegacyID)
	}
	abs, err := filepath.Abs(cd)
	if err != nil {
		return "", fmt.Errorf("resolve migrated control directory: %w", err)
	}
	c.ControlDir = abs
	c.LegacyID = ""
	log.WithComponent("monitor").Info("using migrated control directory for remainder of this task", "control_dir", abs)
	return abs, nil
}

// ResultFile returns the path of the file the process writes its exit code to.
func (c *Controller) ResultFile(workspace string) (string, error) {
	return c.child(workspace, resultFileName)
}

// LogFile returns the path of the process's combined output stream (or
// stderr only, when stdout is being captured separately).
func (c *Controller) LogFile(workspace string) (string, error) {
	return c.child(workspace, logFileName)
}

// OutputFile returns the path stdout is captured to, when capture was requested.
func (c *Controller) OutputFile(workspace string) (string, error) {
	return c.child(workspace, outputFileName)
}

// LastLocationFile returns the path of the watch marker file.
func (c *Controller) LastLocationFile(workspace string) (string, error) {
	return c.child(workspace, lastLocationFileName)
}

func (c *Controller) child(workspace, name string) (string, error) {
	dir, err := c.Dir(workspace)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// WriteLog copies any log bytes beyond LastLocation to sink in one bounded
// read and advances the offset. Returns true when new bytes were written.
// The offset lives only in this instance, so the method is only meaningful
// for a single long-lived observer polling the same Controller.
func (c *Controller) WriteLog(workspace string, sink io.Writer) (bool, error) {
	logPath, err := c.LogFile(workspace)
	if err != nil {
		return false, err
	}
	f, err := os.Open(logPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return false, err
	}
	length := st.Size()
	if length <= c.LastLocation {
		return false, nil
	}
	toRead := length - c.LastLocation
	if toRead > math.MaxInt32 { // >2GiB of output at once is unlikely
		return false, ErrLargeRead
	}
	if _, err := f.Seek(c.LastLocation, io.SeekStart); err != nil {
		return false, err
	}
	if _, err := io.CopyN(sink, f, toRead); err != nil {
		return false, err
	}
	log.WithComponent("monitor").Debug("copied log bytes", "bytes", toRead, "file", logPath)
	c.LastLocation = length
	return true, nil
}

// ExitStatus reads the result file. A missing or still-empty file means the
// process has not exited and yields (nil, nil). Non-numeric content is a
// *CorruptResultError.
func (c *Controller) ExitStatus(workspace string) (*int, error) {
	path, err := c.ResultFile(workspace)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(firstLine(string(data)))
	if content == "" {
		return nil, nil
	}
	code, err := strconv.Atoi(content)
	if err != nil {
		return nil, &CorruptResultError{Path: path, Content: content}
	}
	return &code, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Output reads the whole captured-stdout file into memory. Only valid when
// output capture was requested and the process has already exited; the file
// is written once, complete at exit.
func (c *Controller) Output(workspace string) ([]byte, error) {
	path, err := c.OutputFile(workspace)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Stop signals every process carrying this workspace's cookie. It does not
// wait for the processes to die; callers needing a synchronous kill should
// poll ExitStatus afterward.
func (c *Controller) Stop(workspace string) error {
	return prockill.KillAllWithEnv(CookieVar, CookieFor(workspace))
}

// Cleanup removes the control directory. Idempotent: removing a directory
// that is already gone is not an error.
func (c *Controller) Cleanup(workspace string) error {
	dir, err := c.Dir(workspace)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Diagnostics returns a one-line, operator-facing summary of where the
// control directory lives and whether the process has completed. Not for
// control flow.
func (c *Controller) Diagnostics(workspace string) (string, error) {
	dir, err := c.Dir(workspace)
	if err != nil {
		return "", err
	}
	location := dir
	if host, err := os.Hostname(); err == nil {
		location = dir + " on " + host
	}
	code, err := c.ExitStatus(workspace)
	if err != nil {
		return "", err
	}
	if code != nil {
		return fmt.Sprintf("completed process (code %d) in %s", *code, location), nil
	}
	return "awaiting process completion in " + location, nil
}

// Watch starts asynchronous observation of this task: the handler receives
// incremental log output and exactly one Exited call, after which the
// control directory is removed. Steps run on the shared watch pool and
// return immediately; Watch itself does not block.
func (c *Controller) Watch(workspace string, handler Handler) error {
	dir, err := c.Dir(workspace)
	if err != nil {
		return err
	}
	w := &watcher{
		controller: c,
		workspace:  workspace,
		handler:    handler,
		logger:     log.WithComponent("watcher"),
	}
	watchPool().schedule(w.step)
	log.WithComponent("monitor").Debug("started asynchronous watch", "control_dir", dir)
	return nil
}
