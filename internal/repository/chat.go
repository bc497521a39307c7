package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cipherchat/internal/logger"
	"github.com/cipherchat/internal/model"
)

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

func (r *ChatRepository) Create(ctx context.Context, c *model.Chat, memberIDs []string) error {
	defer logger.DeferLogDuration("chat.Create", time.Now())()
	if c.ChatType == model.ChatTypeDirect && len(memberIDs) != 2 {
		return fmt.Errorf("chatRepo.Create: direct chat requires exactly 2 participants, got %d", len(memberIDs))
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("chatRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO chats (id, chat_type, name, created_by, last_message_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.ChatType, c.Name, c.CreatedBy, c.LastMessageAt, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.Create: %w", err)
	}
	for _, uid := range memberIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO chat_members (chat_id, user_id, joined_at) VALUES ($1, $2, $3)`,
			c.ID, uid, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("chatRepo.Create member %s: %w", uid, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("chatRepo.Create commit: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.Chat{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, chat_type, COALESCE(name,''), created_by, last_message_at, created_at
		 FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.ChatType, &c.Name, &c.CreatedBy, &c.LastMessageAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ChatRepository) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("chat.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("chatRepo.IsMember: %w", err)
	}
	return exists, nil
}

func (r *ChatRepository) GetMemberIDs(ctx context.Context, chatID string) ([]string, error) {
	defer logger.DeferLogDuration("chat.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = $1 ORDER BY joined_at`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetMemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chatRepo.GetMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetMemberIDs rows: %w", err)
	}
	return ids, nil
}

// AddParticipant adds a user to a chat. Adding a third participant to a
// direct chat promotes it to group; the promotion never reverts.
func (r *ChatRepository) AddParticipant(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("chat.AddParticipant", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("chatRepo.AddParticipant begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO chat_members (chat_id, user_id, joined_at) VALUES ($1, $2, $3)
		 ON CONFLICT (chat_id, user_id) DO NOTHING`,
		chatID, userID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("chatRepo.AddParticipant: %w", err)
	}
	if tag.RowsAffected() > 0 {
		_, err = tx.Exec(ctx,
			`UPDATE chats SET chat_type = 'group'
			 WHERE id = $1 AND chat_type = 'direct'
			   AND (SELECT COUNT(*) FROM chat_members WHERE chat_id = $1) > 2`,
			chatID,
		)
		if err != nil {
			return fmt.Errorf("chatRepo.AddParticipant promote: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("chatRepo.AddParticipant commit: %w", err)
	}
	return nil
}

func (r *ChatRepository) UpdateLastMessageAt(ctx context.Context, chatID string, at time.Time) error {
	defer logger.DeferLogDuration("chat.UpdateLastMessageAt", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chats SET last_message_at = $1 WHERE id = $2 AND last_message_at < $1`,
		at, chatID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.UpdateLastMessageAt: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetUserChats(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetUserChats", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.chat_type, COALESCE(c.name,''), c.created_by, c.last_message_at, c.created_at
		 FROM chats c
		 JOIN chat_members cm ON cm.chat_id = c.id
		 WHERE cm.user_id = $1
		 ORDER BY c.last_message_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats query: %w", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, 16)
	for rows.Next() {
		var c model.Chat
		if err := rows.Scan(&c.ID, &c.ChatType, &c.Name, &c.CreatedBy, &c.LastMessageAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("chatRepo.GetUserChats scan: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats rows: %w", err)
	}
	return chats, nil
}
