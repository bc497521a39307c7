package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cipherchat/internal/logger"
	"github.com/cipherchat/internal/middleware"
	"github.com/cipherchat/internal/model"
	"github.com/cipherchat/internal/repository"
)

type ChatHandler struct {
	chatRepo *repository.ChatRepository
	userRepo *repository.UserRepository
}

func NewChatHandler(chatRepo *repository.ChatRepository, userRepo *repository.UserRepository) *ChatHandler {
	return &ChatHandler{chatRepo: chatRepo, userRepo: userRepo}
}

type createChatRequest struct {
	ChatType  model.ChatType `json:"chat_type"`
	Name      string         `json:"name"`
	MemberIDs []string       `json:"member_ids"`
}

type addParticipantRequest struct {
	UserID string `json:"user_id"`
}

// CreateChat creates a direct or group chat. The caller is always a member;
// a direct chat requires exactly one other member.
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.ChatType != model.ChatTypeDirect && req.ChatType != model.ChatTypeGroup {
		writeError(w, http.StatusBadRequest, "chat_type must be direct or group")
		return
	}

	members := []string{userID}
	for _, uid := range req.MemberIDs {
		if uid == userID {
			continue
		}
		if _, err := h.userRepo.GetByID(r.Context(), uid); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				writeError(w, http.StatusNotFound, "user not found: "+uid)
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to check user")
			return
		}
		members = append(members, uid)
	}
	if req.ChatType == model.ChatTypeDirect && len(members) != 2 {
		writeError(w, http.StatusBadRequest, "direct chat requires exactly one other member")
		return
	}
	if req.ChatType == model.ChatTypeGroup && len(members) < 2 {
		writeError(w, http.StatusBadRequest, "group chat requires at least one other member")
		return
	}

	now := time.Now().UTC()
	chat := &model.Chat{
		ID:            uuid.New().String(),
		ChatType:      req.ChatType,
		Name:          req.Name,
		CreatedBy:     userID,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	if err := h.chatRepo.Create(r.Context(), chat, members); err != nil {
		logger.Errorf("create chat user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	writeJSON(w, http.StatusCreated, chat)
}

// GetChats lists the caller's chats, most recently active first.
func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	chats, err := h.chatRepo.GetUserChats(r.Context(), userID)
	if err != nil {
		logger.Errorf("get chats user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to get chats")
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())

	isMember, err := h.chatRepo.IsMember(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	chat, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get chat")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// AddParticipant adds a user to a chat. Adding a third member to a direct
// chat promotes it to a group; the promotion is one-way.
func (h *ChatHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())

	isMember, err := h.chatRepo.IsMember(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	var req addParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if _, err := h.userRepo.GetByID(r.Context(), req.UserID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to check user")
		return
	}

	if err := h.chatRepo.AddParticipant(r.Context(), chatID, req.UserID); err != nil {
		logger.Errorf("add participant chat=%s user=%s: %v", chatID, req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to add participant")
		return
	}

	chat, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get chat")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}
