package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cipherchat/internal/logger"
	"github.com/cipherchat/internal/middleware"
	"github.com/cipherchat/internal/model"
	"github.com/cipherchat/internal/repository"
)

type UserHandler struct {
	userRepo *repository.UserRepository
}

func NewUserHandler(userRepo *repository.UserRepository) *UserHandler {
	return &UserHandler{userRepo: userRepo}
}

// Me returns the caller's profile. Credentials are issued elsewhere, so the
// first authenticated request provisions the local user row from the token
// claims.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	u, err := h.userRepo.GetByID(r.Context(), userID)
	if errors.Is(err, repository.ErrNotFound) {
		email := middleware.GetEmail(r.Context())
		name := email
		if i := strings.IndexByte(email, '@'); i > 0 {
			name = email[:i]
		}
		u = &model.User{
			ID:        userID,
			Email:     email,
			Username:  name,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.userRepo.Create(r.Context(), u); err != nil {
			logger.Errorf("provision user=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, "failed to provision user")
			return
		}
	} else if err != nil {
		logger.Errorf("get me user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}

	writeJSON(w, http.StatusOK, u)
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "userId")

	u, err := h.userRepo.GetByID(r.Context(), targetID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}
	writeJSON(w, http.StatusOK, u.ToPublic())
}
