package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/duratask/internal/monitor"
)

// fsWorkspaceManager manages per-task workspace directories on local disk.
type fsWorkspaceManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	return &fsWorkspaceManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// Create initializes a workspace directory for taskID.
func (m *fsWorkspaceManager) Create(ctx context.Context, taskID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(taskID)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}

	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for task %q: %w", taskID, err)
	}

	return Workspace{TaskID: taskID, Dir: path}, nil
}

// Open returns metadata for an existing workspace directory.
func (m *fsWorkspaceManager) Open(ctx context.Context, taskID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(taskID)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace for task %q: %w", taskID, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace path for task %q is not a directory", taskID)
	}

	return Workspace{TaskID: taskID, Dir: path}, nil
}

// Cleanup removes workspace directories older than olderThan based on
// directory modification time, together with their scratch siblings.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		// Scratch siblings are removed alongside their workspace, never on
		// their own mtime: an idle workspace may still have a live watch on
		// a control directory inside its sibling.
		if strings.HasSuffix(entry.Name(), "@tmp") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		if err := os.RemoveAll(monitor.TempDir(path)); err != nil {
			return report, fmt.Errorf("remove workspace scratch dir %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func (m *fsWorkspaceManager) workspacePath(taskID string) (string, error) {
	if err := validateTaskID(taskID); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, taskID), nil
}

func validateTaskID(taskID string) error {
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" {
		return fmt.Errorf("taskID is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("taskID %q is invalid", taskID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("taskID %q must not contain path separators", taskID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("taskID %q is invalid", taskID)
	}
	return nil
}
