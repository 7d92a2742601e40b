package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/duratask/internal/monitor"
	"github.com/mattjoyce/duratask/internal/registry"
	"github.com/mattjoyce/duratask/internal/workspace"
)

func newTestServer(t *testing.T) (*httptest.Server, string, *registry.Store) {
	t.Helper()

	dir := t.TempDir()
	store, err := registry.Open(context.Background(), filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	workspacesDir := filepath.Join(dir, "workspaces")
	manager, err := workspace.NewFSManager(workspacesDir)
	if err != nil {
		t.Fatalf("create workspace manager: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{Listen: "127.0.0.1:0"}, store, manager, logger)

	ts := httptest.NewServer(s.setupRoutes())
	t.Cleanup(ts.Close)
	return ts, workspacesDir, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// launchTask posts a script and returns the assigned task id.
func launchTask(t *testing.T, ts *httptest.Server, req LaunchRequest) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/task", req)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("launch status = %d, want 202", resp.StatusCode)
	}
	var lr LaunchResponse
	decodeJSON(t, resp, &lr)
	if lr.TaskID == "" {
		t.Fatalf("launch response has empty task id")
	}
	return lr.TaskID
}

// waitCompleted polls task status until the watch records completion.
func waitCompleted(t *testing.T, ts *httptest.Server, taskID string) TaskStatusResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/task/" + taskID)
		if err != nil {
			t.Fatalf("GET task: %v", err)
		}
		var st TaskStatusResponse
		decodeJSON(t, resp, &st)
		if st.Status == string(registry.StatusCompleted) {
			return st
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("task %s did not complete within 10s", taskID)
	return TaskStatusResponse{}
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var hr HealthzResponse
	decodeJSON(t, resp, &hr)
	if hr.Status != "ok" {
		t.Fatalf("health status = %q, want ok", hr.Status)
	}
	if hr.TasksTotal != 0 {
		t.Fatalf("tasks_total = %d, want 0", hr.TasksTotal)
	}
}

func TestLaunchValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/task", LaunchRequest{Script: "   "})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp, err := http.Post(ts.URL+"/task", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLaunchToCompletion(t *testing.T) {
	ts, _, _ := newTestServer(t)

	taskID := launchTask(t, ts, LaunchRequest{Script: "echo hello\n"})
	st := waitCompleted(t, ts, taskID)

	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", st.ExitCode)
	}
	if st.CompletedAt == nil {
		t.Fatalf("completed_at is nil")
	}

	resp, err := http.Get(ts.URL + "/task/" + taskID + "/log")
	if err != nil {
		t.Fatalf("GET log: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("log status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if string(body) != "hello\n" {
		t.Fatalf("log = %q, want %q", body, "hello\n")
	}
	if resp.Header.Get("X-Log-Offset") != "6" {
		t.Fatalf("X-Log-Offset = %q, want 6", resp.Header.Get("X-Log-Offset"))
	}
}

func TestLogOffsetResumesWhereItLeftOff(t *testing.T) {
	ts, _, _ := newTestServer(t)

	taskID := launchTask(t, ts, LaunchRequest{Script: "echo one\necho two\n"})
	waitCompleted(t, ts, taskID)

	resp, err := http.Get(ts.URL + "/task/" + taskID + "/log?offset=4")
	if err != nil {
		t.Fatalf("GET log: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if string(body) != "two\n" {
		t.Fatalf("log from offset 4 = %q, want %q", body, "two\n")
	}
}

func TestLogOffsetValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	taskID := launchTask(t, ts, LaunchRequest{Script: "true\n"})
	waitCompleted(t, ts, taskID)

	for _, offset := range []string{"-1", "abc"} {
		resp, err := http.Get(ts.URL + "/task/" + taskID + "/log?offset=" + offset)
		if err != nil {
			t.Fatalf("GET log: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("offset %q: status = %d, want 400", offset, resp.StatusCode)
		}
	}
}

func TestTaskNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)

	for _, path := range []string{"/task/absent", "/task/absent/log"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s: status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestListReportsLaunchedTasks(t *testing.T) {
	ts, _, _ := newTestServer(t)

	taskID := launchTask(t, ts, LaunchRequest{Script: "true\n"})
	waitCompleted(t, ts, taskID)

	resp, err := http.Get(ts.URL + "/task")
	if err != nil {
		t.Fatalf("GET /task: %v", err)
	}
	var list TaskListResponse
	decodeJSON(t, resp, &list)
	if len(list.Tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(list.Tasks))
	}
	if list.Tasks[0].TaskID != taskID {
		t.Fatalf("task id = %q, want %q", list.Tasks[0].TaskID, taskID)
	}
}

func TestDeleteTask(t *testing.T) {
	ts, _, _ := newTestServer(t)

	taskID := launchTask(t, ts, LaunchRequest{Script: "true\n"})
	waitCompleted(t, ts, taskID)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/task/"+taskID, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/task/" + taskID)
	if err != nil {
		t.Fatalf("GET after delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", resp.StatusCode)
	}
}

func TestStopThenDeleteTask(t *testing.T) {
	ts, _, _ := newTestServer(t)

	taskID := launchTask(t, ts, LaunchRequest{Script: "sleep 30\n"})

	// The kill takes the wrapper down with the script, so no result file
	// appears and the task stays running until it is deleted.
	resp, err := http.Post(ts.URL+"/task/"+taskID+"/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST stop: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop status = %d, want 204", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/task/"+taskID, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
}

func TestLaunchAbortsWhenRegistryUnavailable(t *testing.T) {
	ts, workspacesDir, store := newTestServer(t)

	// Persisting the task record fails once the store is closed. The handler
	// must not leave the already-started process and its control directory
	// behind with no registry row pointing at them.
	_ = store.Close()

	resp := postJSON(t, ts.URL+"/task", LaunchRequest{Script: "sleep 30\n"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}

	entries, err := os.ReadDir(workspacesDir)
	if err != nil {
		t.Fatalf("read workspaces dir: %v", err)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), "@tmp") {
			continue
		}
		leftovers, err := os.ReadDir(filepath.Join(workspacesDir, e.Name()))
		if err != nil {
			t.Fatalf("read scratch dir: %v", err)
		}
		if len(leftovers) != 0 {
			t.Fatalf("control dir %q left behind after failed persist", leftovers[0].Name())
		}
	}
}

func TestCapturedOutputPreserved(t *testing.T) {
	ts, workspacesDir, _ := newTestServer(t)

	taskID := launchTask(t, ts, LaunchRequest{Script: "echo result-data\n", Capture: true})
	waitCompleted(t, ts, taskID)

	captured := filepath.Join(monitor.TempDir(filepath.Join(workspacesDir, taskID)), "captured-output")
	data, err := os.ReadFile(captured)
	if err != nil {
		t.Fatalf("read captured output: %v", err)
	}
	if string(data) != "result-data\n" {
		t.Fatalf("captured output = %q, want %q", data, "result-data\n")
	}
}
