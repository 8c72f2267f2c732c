package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/togetha/internal/auth"
	"github.com/dukerupert/togetha/internal/store"
	"github.com/dukerupert/togetha/internal/tasklist"
)

type TaskHandler struct {
	tasks  *store.TaskStore
	logger *slog.Logger
}

func NewTaskHandler(tasks *store.TaskStore, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, logger: logger}
}

// List returns the family's tasks, newest first.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	familyID := auth.FamilyID(r.Context())
	tasks, err := h.tasks.List(r.Context(), familyID)
	if err != nil {
		h.logger.Error("list tasks", "family_id", familyID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	tasklist.Sort(tasks)
	writeJSON(w, http.StatusOK, tasks)
}

func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	familyID := auth.FamilyID(r.Context())
	id, err := h.tasks.Add(r.Context(), familyID, req.Title)
	if err != nil {
		h.logger.Error("add task", "family_id", familyID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to add task")
		return
	}
	task, err := h.tasks.Get(r.Context(), id)
	if err != nil || task == nil {
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// Toggle flips a task's completed flag. Tasks of other families are
// reported as missing.
func (h *TaskHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	familyID := auth.FamilyID(r.Context())

	task, err := h.tasks.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("get task", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	if task == nil || task.FamilyID != familyID {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	task.Completed = !task.Completed
	if err := h.tasks.SetCompleted(r.Context(), id, task.Completed); err != nil {
		h.logger.Error("toggle task", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}
