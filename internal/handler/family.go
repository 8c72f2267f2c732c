package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/togetha/internal/auth"
	"github.com/dukerupert/togetha/internal/model"
	"github.com/dukerupert/togetha/internal/store"
)

const defaultFamilyName = "My Family"

type FamilyHandler struct {
	families *store.FamilyStore
	logger   *slog.Logger
}

func NewFamilyHandler(families *store.FamilyStore, logger *slog.Logger) *FamilyHandler {
	return &FamilyHandler{families: families, logger: logger}
}

type familyResponse struct {
	Family  *model.Family  `json:"family"`
	Members []model.Member `json:"members"`
}

// Get returns the caller's family and its members.
func (h *FamilyHandler) Get(w http.ResponseWriter, r *http.Request) {
	familyID := auth.FamilyID(r.Context())

	f, err := h.families.Get(r.Context(), familyID)
	if err != nil {
		h.logger.Error("get family", "family_id", familyID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load family")
		return
	}
	if f == nil {
		writeError(w, http.StatusNotFound, "family not found")
		return
	}

	members, err := h.families.Members(r.Context(), familyID)
	if err != nil {
		h.logger.Error("list members", "family_id", familyID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list members")
		return
	}
	writeJSON(w, http.StatusOK, familyResponse{Family: f, Members: members})
}

func (h *FamilyHandler) Create(w http.ResponseWriter, r *http.Request) {
	if auth.FamilyID(r.Context()) != "" {
		writeError(w, http.StatusConflict, "already a member of a family")
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		req.Name = defaultFamilyName
	}

	uid := auth.UID(r.Context())
	f, err := h.families.Create(r.Context(), uid, req.Name)
	if err != nil {
		h.logger.Error("create family", "uid", uid, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create family")
		return
	}
	h.logger.Info("family created", "family_id", f.ID, "uid", uid)
	writeJSON(w, http.StatusCreated, f)
}

func (h *FamilyHandler) Join(w http.ResponseWriter, r *http.Request) {
	if auth.FamilyID(r.Context()) != "" {
		writeError(w, http.StatusConflict, "already a member of a family")
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	code := store.NormalizeInviteCode(req.Code)
	if len(code) != store.InviteCodeLength {
		writeError(w, http.StatusBadRequest, "invite code must be 6 characters")
		return
	}

	uid := auth.UID(r.Context())
	f, err := h.families.JoinWithCode(r.Context(), uid, code)
	if errors.Is(err, store.ErrFamilyNotFound) {
		writeError(w, http.StatusNotFound, "no family uses that invite code")
		return
	}
	if err != nil {
		h.logger.Error("join family", "uid", uid, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to join family")
		return
	}
	h.logger.Info("family joined", "family_id", f.ID, "uid", uid)
	writeJSON(w, http.StatusOK, f)
}

// Update renames the caller's family. Admins only.
func (h *FamilyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	familyID := auth.FamilyID(r.Context())
	f, err := h.families.Update(r.Context(), familyID, req.Name)
	if errors.Is(err, store.ErrFamilyNotFound) {
		writeError(w, http.StatusNotFound, "family not found")
		return
	}
	if err != nil {
		h.logger.Error("update family", "family_id", familyID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update family")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// Leave removes the caller from their family.
func (h *FamilyHandler) Leave(w http.ResponseWriter, r *http.Request) {
	familyID, uid := auth.FamilyID(r.Context()), auth.UID(r.Context())
	if err := h.families.RemoveMember(r.Context(), familyID, uid); err != nil {
		h.logger.Error("leave family", "family_id", familyID, "uid", uid, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to leave family")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
