package userstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

// Postgres backs the user store with a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens the pool and verifies the connection. A dead database is
// fatal at startup outside development mode, so this returns the raw error.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			nickname   TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS installs (
			install_id TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users(id),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS friendships (
			user_id   TEXT NOT NULL REFERENCES users(id),
			friend_id TEXT NOT NULL REFERENCES users(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, friend_id)
		);
	`)
	return err
}

func (p *Postgres) Exists(ctx context.Context, uid types.UserID) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)
	`, string(uid)).Scan(&exists)
	return exists, err
}

func (p *Postgres) ByInstall(ctx context.Context, installID string) (*User, error) {
	u := &User{}
	var id string
	err := p.pool.QueryRow(ctx, `
		SELECT u.id, u.nickname
		FROM users u
		INNER JOIN installs i ON u.id = i.user_id
		WHERE i.install_id = $1
	`, installID).Scan(&id, &u.Nickname)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.ID = types.UserID(id)
	return u, nil
}

func (p *Postgres) UpsertInstall(ctx context.Context, installID string, uid types.UserID) (*User, error) {
	if uid == "" {
		uid = types.UserID(uuid.NewString())
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, string(uid))
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO installs (install_id, user_id) VALUES ($1, $2)
		ON CONFLICT (install_id) DO UPDATE
		SET user_id = EXCLUDED.user_id, updated_at = NOW()
	`, installID, string(uid))
	if err != nil {
		return nil, err
	}

	var nickname string
	if err := tx.QueryRow(ctx, `
		SELECT nickname FROM users WHERE id = $1
	`, string(uid)).Scan(&nickname); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &User{ID: uid, Nickname: nickname}, nil
}

func (p *Postgres) Nickname(ctx context.Context, uid types.UserID) (string, error) {
	var nickname string
	err := p.pool.QueryRow(ctx, `
		SELECT nickname FROM users WHERE id = $1
	`, string(uid)).Scan(&nickname)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return nickname, err
}

func (p *Postgres) UpdateNickname(ctx context.Context, uid types.UserID, nickname string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE users SET nickname = $2 WHERE id = $1
	`, string(uid), nickname)
	return err
}

func (p *Postgres) FriendsOf(ctx context.Context, uid types.UserID) ([]types.UserID, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT friend_id FROM friendships WHERE user_id = $1
		UNION
		SELECT user_id FROM friendships WHERE friend_id = $1
		ORDER BY 1
	`, string(uid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []types.UserID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		friends = append(friends, types.UserID(id))
	}
	return friends, rows.Err()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

var _ Store = (*Postgres)(nil)
