package monitor

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// File names inside a control directory. The jenkins-* names are part of the
// on-disk protocol and must not change: launched scripts write to them by
// name, and observers on other machines resolve them by name.
const (
	resultFileName       = "jenkins-result.txt"
	logFileName          = "jenkins-log.txt"
	outputFileName       = "output.txt"
	lastLocationFileName = "last-location.txt"
)

// CookieVar is the environment variable used to scope kill requests to the
// process tree spawned for one workspace. Launchers must set it before the
// process starts; Stop matches on it.
const CookieVar = "JENKINS_SERVER_COOKIE"

// CookieFor returns the kill-scoping cookie for a workspace. The value is a
// digest so that two workspaces never share a cookie, and plain hex is safe
// to place in any environment without quoting.
func CookieFor(workspace string) string {
	return "durable-" + digestOf(workspace)
}

func digestOf(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// newControlDir creates a fresh, uniquely named control directory in the
// workspace's scratch sibling and returns its absolute path.
func newControlDir(workspace string) (string, error) {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	cd := filepath.Join(TempDir(workspace), "durable-"+digestOf(uuid.NewString())[:8])
	if err := os.MkdirAll(cd, 0o755); err != nil {
		return "", fmt.Errorf("create control directory: %w", err)
	}
	abs, err := filepath.Abs(cd)
	if err != nil {
		return "", fmt.Errorf("resolve control directory: %w", err)
	}
	return abs, nil
}

// TempDir returns the scratch directory associated with a workspace: a
// sibling named "<workspace>@tmp". Keeping control directories out of the
// workspace proper means checkouts and cleanups there cannot clobber them.
func TempDir(workspace string) string {
	return filepath.Clean(workspace) + "@tmp"
}
