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

var ErrNotFound = errors.New("not found")

const userCols = `id, username, email, COALESCE(public_key,''), last_seen_at, is_online, created_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Username, &u.Email, &u.PublicKey, &u.LastSeenAt, &u.IsOnline, &u.CreatedAt)
}

func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, public_key, last_seen_at, is_online, created_at)
		 VALUES ($1, $2, $3, NULLIF($4,''), $5, $6, $7)`,
		u.ID, u.Username, u.Email, u.PublicKey, u.LastSeenAt, u.IsOnline, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

// GetPublicKey returns the published key for a user. ErrNotFound covers both
// an unknown user and a user who has not yet published a key; callers treat
// it as "peer has no key", a recoverable condition distinct from transport
// failure.
func (r *UserRepository) GetPublicKey(ctx context.Context, userID string) (string, error) {
	defer logger.DeferLogDuration("user.GetPublicKey", time.Now())()
	var key *string
	err := r.pool.QueryRow(ctx, `SELECT public_key FROM users WHERE id = $1`, userID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("userRepo.GetPublicKey: %w", err)
	}
	if key == nil || *key == "" {
		return "", ErrNotFound
	}
	return *key, nil
}

// SetPublicKey overwrites any previously published key. There is no merge:
// the directory holds exactly one active key per user.
func (r *UserRepository) SetPublicKey(ctx context.Context, userID, publicKey string) error {
	defer logger.DeferLogDuration("user.SetPublicKey", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET public_key = $1 WHERE id = $2`, publicKey, userID,
	)
	if err != nil {
		return fmt.Errorf("userRepo.SetPublicKey: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) SetOnline(ctx context.Context, userID string, online bool) error {
	defer logger.DeferLogDuration("user.SetOnline", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET is_online = $1, last_seen_at = $2 WHERE id = $3`,
		online, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("userRepo.SetOnline: %w", err)
	}
	return nil
}
