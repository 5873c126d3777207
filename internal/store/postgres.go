package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"litchat/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var pgMigrations = []migration{
	{
		Version:     1,
		Description: "messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			token       TEXT NOT NULL DEFAULT '',
			author      TEXT NOT NULL,
			author_id   TEXT NOT NULL DEFAULT '',
			body        TEXT NOT NULL,
			avatar_ref  TEXT NOT NULL DEFAULT '',
			reply_to    TEXT NOT NULL DEFAULT '',
			edited      BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			seq         BIGSERIAL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at, seq);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_token ON messages(token) WHERE token <> ''
		`,
	},
	{
		Version:     2,
		Description: "audit_log for edits, deletes and clears",
		SQL: `
		CREATE TABLE IF NOT EXISTS audit_log (
			id          BIGSERIAL PRIMARY KEY,
			action      TEXT NOT NULL,
			message_id  TEXT NOT NULL DEFAULT '',
			actor       TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(created_at)
		`,
	},
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	opts   Options
	logger *slog.Logger
}

// NewPostgresStore connects to databaseURL and migrates the schema.
func NewPostgresStore(ctx context.Context, databaseURL string, opts Options, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, opts: opts, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range pgMigrations {
		if m.Version <= current {
			continue
		}
		s.logger.Info("applying migration", "version", m.Version, "description", m.Description)
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, stmt := range splitSQL(m.SQL) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration v%d failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
				}
			}
			_, err := tx.Exec(ctx,
				"INSERT INTO schema_version (version, description) VALUES ($1, $2)",
				m.Version, m.Description)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

const pgSelect = `SELECT id, token, author, author_id, body, avatar_ref, reply_to, edited, created_at, updated_at FROM messages`

// Query returns every message ordered by creation time.
func (s *PostgresStore) Query(ctx context.Context) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx, pgSelect+` ORDER BY created_at, seq`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Insert stores msg under a fresh ID; a repeated token is acknowledged
// without a second row.
func (s *PostgresStore) Insert(ctx context.Context, msg domain.Message) (domain.Ack, error) {
	if msg.Token != "" {
		existing, err := scanMessage(s.pool.QueryRow(ctx, pgSelect+` WHERE token = $1`, msg.Token))
		if err == nil {
			return domain.Ack{ID: existing.ID, CreatedAt: existing.CreatedAt}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.Ack{}, fmt.Errorf("lookup token: %w", err)
		}
	}

	msg.ID = uuid.NewString()
	msg.CreatedAt = s.opts.now()
	msg.UpdatedAt = msg.CreatedAt
	msg.Edited = false
	msg.Pending = false

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, token, author, author_id, body, avatar_ref, reply_to, edited, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, msg.ID, msg.Token, msg.Author, msg.AuthorID, msg.Body, msg.AvatarRef,
		msg.ReplyTo, msg.Edited, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return domain.Ack{}, fmt.Errorf("insert message: %w", err)
	}

	s.opts.publish(domain.Inserted(msg))
	return domain.Ack{ID: msg.ID, CreatedAt: msg.CreatedAt}, nil
}

// Update replaces the body of message id.
func (s *PostgresStore) Update(ctx context.Context, id string, patch domain.Patch, actor string) error {
	m, err := s.authorize(ctx, id, actor)
	if err != nil {
		return err
	}
	m.Body = patch.Body
	m.Edited = true
	m.UpdatedAt = s.opts.now()

	if _, err := s.pool.Exec(ctx,
		`UPDATE messages SET body = $1, edited = TRUE, updated_at = $2 WHERE id = $3`,
		m.Body, m.UpdatedAt, id); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	s.audit(ctx, "edit", id, actor)
	s.opts.publish(domain.Updated(m))
	return nil
}

// Delete removes message id.
func (s *PostgresStore) Delete(ctx context.Context, id string, actor string) error {
	if _, err := s.authorize(ctx, id, actor); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	s.audit(ctx, "delete", id, actor)
	s.opts.publish(domain.Removed(id))
	return nil
}

// Clear removes every message. Only admins may clear.
func (s *PostgresStore) Clear(ctx context.Context, actor string) error {
	if !s.opts.Policy.IsAdmin(actor) {
		return ErrForbidden
	}
	rows, err := s.pool.Query(ctx, `DELETE FROM messages RETURNING id`)
	if err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	s.audit(ctx, "clear", "", actor)
	s.logger.Info("chat cleared", "actor", actor, "messages", len(ids))
	for _, id := range ids {
		s.opts.publish(domain.Removed(id))
	}
	return nil
}

// Audit returns the most recent audit entries, newest first.
func (s *PostgresStore) Audit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT action, message_id, actor, created_at FROM audit_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Action, &e.MessageID, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks the pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) authorize(ctx context.Context, id, actor string) (domain.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, pgSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("load message: %w", err)
	}
	if !s.opts.Policy.CanModify(actor, ownerKey(m.Author, m.AuthorID)) {
		return m, ErrForbidden
	}
	return m, nil
}

func (s *PostgresStore) audit(ctx context.Context, action, id, actor string) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (action, message_id, actor, created_at) VALUES ($1, $2, $3, $4)`,
		action, id, actor, s.opts.now()); err != nil {
		s.logger.Warn("audit log write failed", "action", action, "id", id, "err", err)
	}
}
