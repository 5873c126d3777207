package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"litchat/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const messageColumns = `id, token, author, author_id, body, avatar_ref, reply_to, edited, created_at, updated_at`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// brings its schema up to date.
func NewSQLiteStore(dbPath string, opts Options, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, opts: opts, logger: logger}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	err := row.Scan(&m.ID, &m.Token, &m.Author, &m.AuthorID, &m.Body, &m.AvatarRef,
		&m.ReplyTo, &m.Edited, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// Query returns every message ordered by creation time.
func (s *SQLiteStore) Query(ctx context.Context) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages ORDER BY created_at, rowid`)
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

// Insert stores msg under a fresh ID. A message whose token was already
// stored is acknowledged again without a second row, so client retries
// after a lost response are safe.
func (s *SQLiteStore) Insert(ctx context.Context, msg domain.Message) (domain.Ack, error) {
	if msg.Token != "" {
		existing, err := scanMessage(s.db.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE token = ?`, msg.Token))
		if err == nil {
			s.logger.Debug("duplicate insert acknowledged", "id", existing.ID, "token", msg.Token)
			return domain.Ack{ID: existing.ID, CreatedAt: existing.CreatedAt}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Ack{}, fmt.Errorf("lookup token: %w", err)
		}
	}

	msg.ID = uuid.NewString()
	msg.CreatedAt = s.opts.now()
	msg.UpdatedAt = msg.CreatedAt
	msg.Edited = false
	msg.Pending = false

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Token, msg.Author, msg.AuthorID, msg.Body, msg.AvatarRef,
		msg.ReplyTo, msg.Edited, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return domain.Ack{}, fmt.Errorf("insert message: %w", err)
	}

	s.opts.publish(domain.Inserted(msg))
	return domain.Ack{ID: msg.ID, CreatedAt: msg.CreatedAt}, nil
}

// Update replaces the body of message id.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch domain.Patch, actor string) error {
	m, err := s.authorize(ctx, id, actor)
	if err != nil {
		return err
	}
	m.Body = patch.Body
	m.Edited = true
	m.UpdatedAt = s.opts.now()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body = ?, edited = 1, updated_at = ? WHERE id = ?`,
		m.Body, m.UpdatedAt, id,
	); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	s.audit(ctx, "edit", id, actor)
	s.opts.publish(domain.Updated(m))
	return nil
}

// Delete removes message id.
func (s *SQLiteStore) Delete(ctx context.Context, id string, actor string) error {
	if _, err := s.authorize(ctx, id, actor); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	s.audit(ctx, "delete", id, actor)
	s.opts.publish(domain.Removed(id))
	return nil
}

// Clear removes every message. Only admins may clear.
func (s *SQLiteStore) Clear(ctx context.Context, actor string) error {
	if !s.opts.Policy.IsAdmin(actor) {
		return ErrForbidden
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM messages ORDER BY created_at, rowid`)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
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
func (s *SQLiteStore) Audit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, message_id, actor, created_at FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
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

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) authorize(ctx context.Context, id, actor string) (domain.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) audit(ctx context.Context, action, id, actor string) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, message_id, actor, created_at) VALUES (?, ?, ?, ?)`,
		action, id, actor, s.opts.now(),
	); err != nil {
		s.logger.Warn("audit log write failed", "action", action, "id", id, "err", err)
	}
}
