package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/parlorchat/parlor/internal/migrations"
	"github.com/parlorchat/parlor/internal/models"
)

// PostgresStore keeps presence in the shared users table so that every
// replica reads the same ground truth. Rows are flipped offline rather than
// deleted, keeping the schema useful for the message history joins.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// RunMigrations applies the embedded schema with goose.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *PostgresStore) Join(ctx context.Context, user models.User) (models.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var holder string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM users
		 WHERE online AND lower(nickname) = lower($1) AND id <> $2
		 LIMIT 1`,
		user.Nickname, user.ID).Scan(&holder)
	if err == nil {
		return models.User{}, ErrNicknameTaken
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("check nickname: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (id, nickname, online, joined_at, last_heartbeat)
		 VALUES ($1, $2, TRUE, now(), now())
		 ON CONFLICT (id) DO UPDATE
		 SET nickname = EXCLUDED.nickname, online = TRUE, last_heartbeat = now()
		 RETURNING id, nickname, joined_at, last_heartbeat`,
		user.ID, user.Nickname).
		Scan(&user.ID, &user.Nickname, &user.JoinedAt, &user.LastSeenAt)
	if err != nil {
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.User{}, fmt.Errorf("commit: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) Leave(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET online = FALSE WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	return nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_heartbeat = now() WHERE id = $1 AND online`, userID)
	if err != nil {
		return fmt.Errorf("refresh heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrUnknownUser
	}
	return nil
}

func (s *PostgresStore) ListOnline(ctx context.Context, excludeID string) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, nickname, joined_at, last_heartbeat FROM users
		 WHERE online AND id <> $1
		 ORDER BY joined_at`, excludeID)
	if err != nil {
		return nil, fmt.Errorf("list online: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Nickname, &u.JoinedAt, &u.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) Expire(ctx context.Context, olderThan time.Time) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE users SET online = FALSE
		 WHERE online AND last_heartbeat < $1
		 RETURNING id, nickname, joined_at, last_heartbeat`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("expire users: %w", err)
	}
	defer rows.Close()

	var expired []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Nickname, &u.JoinedAt, &u.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan expired user: %w", err)
		}
		expired = append(expired, u)
	}
	return expired, rows.Err()
}
