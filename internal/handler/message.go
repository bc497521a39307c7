package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cipherchat/internal/middleware"
	"github.com/cipherchat/internal/model"
	"github.com/cipherchat/internal/repository"
)

type MessageHandler struct {
	msgRepo  *repository.MessageRepository
	chatRepo *repository.ChatRepository
}

func NewMessageHandler(msgRepo *repository.MessageRepository, chatRepo *repository.ChatRepository) *MessageHandler {
	return &MessageHandler{msgRepo: msgRepo, chatRepo: chatRepo}
}

// GetMessages returns a page of chat history, newest first. Messages the
// requesting user deleted for themselves are filtered out; messages deleted
// for everyone come back as placeholder shells with no payload.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
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

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit > 100 {
		limit = 100
	}

	messages, err := h.msgRepo.GetChatMessages(r.Context(), chatID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}

	visible := make([]model.Message, 0, len(messages))
	for i := range messages {
		if messages[i].DeletedForUser(userID) && !messages[i].DeletedForEveryone {
			continue
		}
		if messages[i].ReplyToID != nil {
			replyMsg, err := h.msgRepo.GetByIDInChat(r.Context(), *messages[i].ReplyToID, chatID)
			if err == nil {
				messages[i].ReplyTo = replyMsg.ReplyPreview()
			}
		}
		visible = append(visible, messages[i])
	}

	writeJSON(w, http.StatusOK, visible)
}
