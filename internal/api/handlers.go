package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mattjoyce/duratask/internal/launch"
	"github.com/mattjoyce/duratask/internal/log"
	"github.com/mattjoyce/duratask/internal/monitor"
	"github.com/mattjoyce/duratask/internal/registry"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to count tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count tasks")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		TasksRunning:  counts[registry.StatusRunning],
		TasksTotal:    total,
	})
}

// handleLaunch handles POST /task: create a workspace, start the script,
// persist the serialized controller, and begin watching for completion.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		s.writeError(w, http.StatusBadRequest, "script is required")
		return
	}

	taskID := uuid.NewString()
	ws, err := s.workspaces.Create(r.Context(), taskID)
	if err != nil {
		s.logger.Error("failed to create workspace", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create workspace")
		return
	}

	sh := &launch.ShellScript{Script: req.Script, CaptureOutput: req.Capture}
	ctrl, err := sh.Launch(ws.Dir, req.Env)
	if err != nil {
		s.logger.Error("failed to launch script", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to launch: %v", err))
		return
	}

	raw, err := json.Marshal(ctrl)
	if err != nil {
		s.abortLaunch(ctrl, ws.Dir, taskID)
		s.writeError(w, http.StatusInternalServerError, "failed to serialize controller")
		return
	}
	if err := s.store.Put(r.Context(), &registry.Task{
		ID:         taskID,
		Workspace:  ws.Dir,
		Controller: raw,
		Capture:    req.Capture,
	}); err != nil {
		s.logger.Error("failed to persist task", "task_id", taskID, "error", err)
		s.abortLaunch(ctrl, ws.Dir, taskID)
		s.writeError(w, http.StatusInternalServerError, "failed to persist task")
		return
	}

	handler := &consoleHandler{
		store:       s.store,
		taskID:      taskID,
		consolePath: consolePathFor(ws.Dir),
	}
	if err := ctrl.Watch(ws.Dir, handler); err != nil {
		s.logger.Error("failed to start watch", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start watch")
		return
	}

	respondJSON(w, http.StatusAccepted, LaunchResponse{TaskID: taskID, Status: string(registry.StatusRunning)})
}

// handleList handles GET /task.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	resp := TaskListResponse{Tasks: make([]TaskStatusResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, taskStatus(t, ""))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetTask handles GET /task/{taskID}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}

	diagnostics := ""
	if task.Status == registry.StatusRunning {
		ctrl, err := controllerFromTask(task)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "stored controller is invalid")
			return
		}
		diagnostics, err = ctrl.Diagnostics(task.Workspace)
		if err != nil {
			diagnostics = fmt.Sprintf("diagnostics unavailable: %v", err)
		}
	}
	respondJSON(w, http.StatusOK, taskStatus(task, diagnostics))
}

// handleGetLog handles GET /task/{taskID}/log?offset=N. It serves the
// console file the watch handler appends to, so the log remains readable
// after the control directory has been cleaned up.
func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}

	offset := int64(0)
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	f, err := os.Open(consolePathFor(task.Workspace))
	if errors.Is(err, fs.ErrNotExist) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Log-Offset", strconv.FormatInt(offset, 10))
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		s.logger.Error("failed to open console file", "task_id", task.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open console file")
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to stat console file")
		return
	}
	size := st.Size()
	if offset > size {
		offset = size
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to seek console file")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Log-Offset", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = io.CopyN(w, f, size-offset)
}

// handleStop handles POST /task/{taskID}/stop. The kill is asynchronous; the
// watch observes the exit and updates the registry.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	ctrl, err := controllerFromTask(task)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "stored controller is invalid")
		return
	}
	if err := ctrl.Stop(task.Workspace); err != nil {
		s.logger.Error("failed to stop task", "task_id", task.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to stop: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDelete handles DELETE /task/{taskID}: remove the control directory
// and the registry row.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	ctrl, err := controllerFromTask(task)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "stored controller is invalid")
		return
	}
	if err := ctrl.Cleanup(task.Workspace); err != nil {
		s.logger.Error("failed to clean up control dir", "task_id", task.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to clean up control dir")
		return
	}
	if err := s.store.Delete(r.Context(), task.ID); err != nil {
		s.logger.Error("failed to delete task", "task_id", task.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// abortLaunch best-effort kills and cleans up a launched process whose
// registry record could not be written. Without a row the task would keep
// running with no way to reach it through the API.
func (s *Server) abortLaunch(ctrl *monitor.Controller, wsDir, taskID string) {
	if err := ctrl.Stop(wsDir); err != nil {
		s.logger.Warn("failed to stop unregistered task", "task_id", taskID, "error", err)
	}
	if err := ctrl.Cleanup(wsDir); err != nil {
		s.logger.Warn("failed to clean up unregistered task", "task_id", taskID, "error", err)
	}
}

func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*registry.Task, bool) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.Get(r.Context(), taskID)
	if err != nil {
		s.logger.Error("failed to read task", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read task")
		return nil, false
	}
	if task == nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	return task, true
}

func taskStatus(t *registry.Task, diagnostics string) TaskStatusResponse {
	return TaskStatusResponse{
		TaskID:      t.ID,
		Status:      string(t.Status),
		ExitCode:    t.ExitCode,
		Diagnostics: diagnostics,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func controllerFromTask(t *registry.Task) (*monitor.Controller, error) {
	var ctrl monitor.Controller
	if err := json.Unmarshal(t.Controller, &ctrl); err != nil {
		return nil, fmt.Errorf("unmarshal controller: %w", err)
	}
	return &ctrl, nil
}

// consolePathFor returns where a task's console transcript accumulates: in
// the workspace's scratch sibling, beside (but outside) the control
// directory, so it survives control-directory cleanup.
func consolePathFor(workspaceDir string) string {
	return filepath.Join(monitor.TempDir(workspaceDir), "console.log")
}

// consoleHandler is the daemon's watch sink: it appends incremental output
// to the console file and records the exit in the registry. Captured stdout,
// when present, is preserved beside the console file.
type consoleHandler struct {
	store       *registry.Store
	taskID      string
	consolePath string
}

func (h *consoleHandler) Output(r io.Reader) error {
	f, err := os.OpenFile(h.consolePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func (h *consoleHandler) Exited(code int, output []byte) error {
	if output != nil {
		captured := filepath.Join(filepath.Dir(h.consolePath), "captured-output")
		if err := os.WriteFile(captured, output, 0o644); err != nil {
			return err
		}
	}
	if err := h.store.MarkCompleted(context.Background(), h.taskID, code); err != nil {
		return err
	}
	log.WithTask(h.taskID).Info("task completed", "exit_code", code)
	return nil
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
