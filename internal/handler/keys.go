package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cipherchat/internal/crypto"
	"github.com/cipherchat/internal/logger"
	"github.com/cipherchat/internal/middleware"
	"github.com/cipherchat/internal/repository"
	"github.com/cipherchat/internal/storage"
)

// KeysHandler is the public-key directory surface: clients publish their own
// key and look up peers' keys before encrypting to them.
type KeysHandler struct {
	userRepo *repository.UserRepository
	cache    storage.KeyCache
}

func NewKeysHandler(userRepo *repository.UserRepository, cache storage.KeyCache) *KeysHandler {
	return &KeysHandler{userRepo: userRepo, cache: cache}
}

type publishKeyRequest struct {
	PublicKey string `json:"public_key"`
}

type publicKeyResponse struct {
	UserID    string `json:"user_id"`
	PublicKey string `json:"public_key"`
}

// PublishKey stores the caller's public key, replacing any previous one.
// Publication is an overwrite, never a merge: messages wrapped with the old
// key stay undecryptable with the new pair.
func (h *KeysHandler) PublishKey(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req publishKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "public_key required")
		return
	}
	if _, err := crypto.ParsePublicKey(req.PublicKey); err != nil {
		writeError(w, http.StatusBadRequest, "malformed public key")
		return
	}

	if err := h.userRepo.SetPublicKey(r.Context(), userID, req.PublicKey); err != nil {
		logger.Errorf("publish key user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to store public key")
		return
	}
	// Drop any cached copy so lookups see the new key immediately.
	if err := h.cache.InvalidatePublicKey(r.Context(), userID); err != nil {
		logger.Errorf("invalidate key cache user=%s: %v", userID, err)
	}

	writeJSON(w, http.StatusOK, publicKeyResponse{UserID: userID, PublicKey: req.PublicKey})
}

// GetKey returns a user's published public key. A user without a key is a
// distinct, recoverable 404 so callers can tell "no key yet" from "no user".
func (h *KeysHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "userId")

	if cached, err := h.cache.GetPublicKey(r.Context(), targetID); err == nil && cached != "" {
		writeJSON(w, http.StatusOK, publicKeyResponse{UserID: targetID, PublicKey: cached})
		return
	}

	key, err := h.userRepo.GetPublicKey(r.Context(), targetID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "public key not found")
			return
		}
		logger.Errorf("get key user=%s: %v", targetID, err)
		writeError(w, http.StatusInternalServerError, "failed to get public key")
		return
	}

	if err := h.cache.SetPublicKey(r.Context(), targetID, key); err != nil {
		logger.Errorf("cache key user=%s: %v", targetID, err)
	}
	writeJSON(w, http.StatusOK, publicKeyResponse{UserID: targetID, PublicKey: key})
}
