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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const msgCols = `m.id, m.chat_id, m.sender_id, COALESCE(m.client_tag,''), m.kind, m.content,
	m.is_encrypted, COALESCE(m.ciphertext,''), COALESCE(m.iv,''), m.wrapped_keys, COALESCE(m.sender_content,''),
	COALESCE(m.file_name,''), COALESCE(m.file_size,0), COALESCE(m.file_url,''), COALESCE(m.file_type,''),
	m.reply_to_id, m.read_by, m.deleted_for_everyone, m.deleted_for, m.created_at`

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.ClientTag, &m.Kind, &m.Content,
		&m.IsEncrypted, &m.Ciphertext, &m.IV, &m.WrappedKeys, &m.SenderContent,
		&m.FileName, &m.FileSize, &m.FileURL, &m.FileType,
		&m.ReplyToID, &m.ReadBy, &m.DeletedForEveryone, &m.DeletedFor, &m.CreatedAt)
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, client_tag, kind, content,
		     is_encrypted, ciphertext, iv, wrapped_keys, sender_content,
		     file_name, file_size, file_url, file_type, reply_to_id, read_by, created_at)
		 VALUES ($1, $2, $3, NULLIF($4,''), $5, $6,
		     $7, NULLIF($8,''), NULLIF($9,''), $10, NULLIF($11,''),
		     NULLIF($12,''), NULLIF($13,0), NULLIF($14,''), NULLIF($15,''), $16, '{}', $17)`,
		m.ID, m.ChatID, m.SenderID, m.ClientTag, m.Kind, m.Content,
		m.IsEncrypted, m.Ciphertext, m.IV, m.WrappedKeys, m.SenderContent,
		m.FileName, m.FileSize, m.FileURL, m.FileType, m.ReplyToID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx, `SELECT `+msgCols+` FROM messages m WHERE m.id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// GetByIDInChat fetches a message only if it belongs to the given chat, so
// read acks and deletions cannot cross room boundaries.
func (r *MessageRepository) GetByIDInChat(ctx context.Context, id, chatID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByIDInChat", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+msgCols+` FROM messages m WHERE m.id = $1 AND m.chat_id = $2`, id, chatID)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByIDInChat: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) GetChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetChatMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+msgCols+` FROM messages m
		 WHERE m.chat_id = $1
		 ORDER BY m.created_at DESC
		 LIMIT $2 OFFSET $3`, chatID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetChatMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.GetChatMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetChatMessages rows: %w", err)
	}
	return messages, nil
}

// AppendReadBy appends userID to the message's read set if not already
// present, and returns the resulting set. The set is append-only: a repeated
// ack is a no-op returning the current set.
func (r *MessageRepository) AppendReadBy(ctx context.Context, id, userID string) ([]string, error) {
	defer logger.DeferLogDuration("msg.AppendReadBy", time.Now())()
	var readBy []string
	err := r.pool.QueryRow(ctx,
		`UPDATE messages
		 SET read_by = CASE WHEN $2 = ANY(read_by) THEN read_by ELSE array_append(read_by, $2) END
		 WHERE id = $1
		 RETURNING read_by`, id, userID,
	).Scan(&readBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.AppendReadBy: %w", err)
	}
	return readBy, nil
}

// MarkDeletedForEveryone flips the one-way deleted_for_everyone flag and
// blanks the payload so content can never be served again, to anyone.
func (r *MessageRepository) MarkDeletedForEveryone(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.MarkDeletedForEveryone", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages
		 SET deleted_for_everyone = true,
		     content = '', ciphertext = NULL, iv = NULL, wrapped_keys = NULL, sender_content = NULL,
		     file_url = NULL
		 WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.MarkDeletedForEveryone: %w", err)
	}
	return nil
}

// AppendDeletedFor records a for-me deletion. Append-only and idempotent.
func (r *MessageRepository) AppendDeletedFor(ctx context.Context, id, userID string) error {
	defer logger.DeferLogDuration("msg.AppendDeletedFor", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages
		 SET deleted_for = CASE WHEN $2 = ANY(deleted_for) THEN deleted_for ELSE array_append(deleted_for, $2) END
		 WHERE id = $1`, id, userID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.AppendDeletedFor: %w", err)
	}
	return nil
}
