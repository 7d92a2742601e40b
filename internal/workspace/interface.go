package workspace

import (
	"context"
	"time"
)

// Workspace describes a task-scoped working directory. The launched process
// runs with this directory as its working directory; its control directory
// lives in a scratch sibling so nothing inside the workspace can clobber it.
type Workspace struct {
	TaskID string
	Dir    string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs workspace lifecycle for launched tasks.
type Manager interface {
	// Create initializes a new workspace for taskID.
	Create(ctx context.Context, taskID string) (Workspace, error)

	// Open resolves an existing workspace for taskID.
	Open(ctx context.Context, taskID string) (Workspace, error)

	// Cleanup removes workspaces (and their scratch siblings) older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
