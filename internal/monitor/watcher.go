package monitor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Handler is the caller-supplied sink for one watch session. Output is
// invoked zero or more times with strictly increasing, non-overlapping
// ranges of the log; Exited is invoked exactly once, after all Output calls,
// with the captured stdout (nil when capture was not requested).
type Handler interface {
	Output(r io.Reader) error
	Exited(code int, output []byte) error
}

// watcher performs one poll step at a time against a control directory and
// reschedules itself until it observes an exit. A step that fails logs a
// warning and abandons the watch: no retry, no Handler notification. Callers
// that need liveness guarantees must layer their own timeout on top.
type watcher struct {
	controller *Controller
	workspace  string
	handler    Handler
	logger     *slog.Logger
}

func (w *watcher) step() {
	if err := w.run(); err != nil {
		w.logger.Warn("giving up on watching", "control_dir", w.controller.ControlDir, "error", err)
	}
}

func (w *watcher) run() error {
	// Check the exit status before tailing, in case the process is just now
	// finishing: the tail below still runs on that final iteration, so bytes
	// written right before exit are never skipped.
	code, err := w.controller.ExitStatus(w.workspace)
	if err != nil {
		return err
	}

	if err := w.tail(); err != nil {
		return err
	}

	if code == nil {
		watchPool().scheduleAfter(pollInterval, w.step)
		return nil
	}

	var output []byte
	outPath, err := w.controller.OutputFile(w.workspace)
	if err != nil {
		return err
	}
	if _, err := os.Stat(outPath); err == nil {
		output, err = w.controller.Output(w.workspace)
		if err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := w.handler.Exited(*code, output); err != nil {
		return err
	}
	return w.controller.Cleanup(w.workspace)
}

// tail delivers log bytes between the persisted marker and the file's
// current length, then persists the new marker. The marker update is not
// atomic with the read; the file system's atomicity for small single-file
// writes is the only primitive relied on here.
func (w *watcher) tail() error {
	marker, err := w.readMarker()
	if err != nil {
		return err
	}
	logPath, err := w.controller.LogFile(w.workspace)
	if err != nil {
		return err
	}
	st, err := os.Stat(logPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.Size() <= marker {
		return nil
	}

	f, err := os.Open(logPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(marker, io.SeekStart); err != nil {
		return err
	}
	cr := &countingReader{r: f}
	if err := w.handler.Output(cr); err != nil {
		return err
	}
	return w.writeMarker(marker + cr.n)
}

func (w *watcher) readMarker() (int64, error) {
	path, err := w.controller.LastLocationFile(w.workspace)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	marker, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed marker file %s: %w", path, err)
	}
	return marker, nil
}

func (w *watcher) writeMarker(offset int64) error {
	path, err := w.controller.LastLocationFile(w.workspace)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.FormatInt(offset, 10)), 0o644)
}

// countingReader tracks how many bytes the Handler actually consumed, so the
// marker advances by exactly that much even if the Handler stops early.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
