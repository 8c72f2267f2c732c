package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/togetha/internal/identity"
	"github.com/dukerupert/togetha/internal/model"
	"github.com/dukerupert/togetha/internal/store"
)

// Accounts is the account service behind signup and login.
type Accounts interface {
	CreateAccount(ctx context.Context, email, password string) (*model.Identity, error)
	SignIn(ctx context.Context, email, password string) (*model.Identity, error)
}

type AccountHandler struct {
	accounts Accounts
	users    *store.UserStore
	logger   *slog.Logger
}

func NewAccountHandler(accounts Accounts, users *store.UserStore, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, users: users, logger: logger}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	UID         string  `json:"uid"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Token       string  `json:"token"`
	FamilyID    *string `json:"family_id"`
}

// Signup creates an account and its profile.
func (h *AccountHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	id, err := h.accounts.CreateAccount(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	profile, err := h.users.Sync(r.Context(), store.SyncUser{
		UID:         id.UID,
		Email:       id.Email,
		DisplayName: id.DisplayName,
	}, nil)
	if err != nil {
		h.logger.Error("sync profile", "uid", id.UID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create profile")
		return
	}

	h.logger.Info("account created", "uid", id.UID)
	writeJSON(w, http.StatusCreated, session(id, profile))
}

func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	id, err := h.accounts.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	profile, err := h.users.Get(r.Context(), id.UID)
	if err != nil {
		h.logger.Error("get profile", "uid", id.UID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, session(id, profile))
}

func session(id *model.Identity, profile *model.Profile) sessionResponse {
	resp := sessionResponse{
		UID:         id.UID,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		Token:       id.IDToken,
	}
	if profile != nil {
		resp.DisplayName = profile.DisplayName
		resp.FamilyID = profile.FamilyID
	}
	return resp
}

func (h *AccountHandler) writeAuthError(w http.ResponseWriter, err error) {
	code := identity.CodeOf(err)
	msg, _ := identity.Message(err)

	status := http.StatusBadRequest
	switch code {
	case identity.CodeUserNotFound, identity.CodeWrongPassword, identity.CodeInvalidCredential:
		status = http.StatusUnauthorized
	case identity.CodeEmailInUse:
		status = http.StatusConflict
	case identity.CodeTooManyRequests:
		status = http.StatusTooManyRequests
	case identity.CodeNetworkFailed:
		status = http.StatusServiceUnavailable
	case "":
		h.logger.Error("account request", "error", err)
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": string(code)})
}
