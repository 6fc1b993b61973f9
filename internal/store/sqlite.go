// Package store persists apps, accepted emails and their deliveries in
// SQLite. It is the only shared state between SMTP sessions and delivery
// workers; record creation and state transitions are atomic here so callers
// need no locking of their own.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cuttlefish/relay/internal/app"
	"github.com/cuttlefish/relay/internal/dkim"
)

// ErrAppNotFound is returned when no app matches a lookup.
var ErrAppNotFound = errors.New("app not found")

// ErrDeliveryNotFound is returned when no delivery matches a lookup.
var ErrDeliveryNotFound = errors.New("delivery not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS apps (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL,
            smtp_username TEXT UNIQUE,
            smtp_password TEXT NOT NULL,
            smtp_password_locked INTEGER NOT NULL DEFAULT 0,
            dkim_private_key TEXT,
            from_domain TEXT NOT NULL DEFAULT '',
            custom_tracking_domain TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS emails (
            id TEXT PRIMARY KEY,
            app_id INTEGER NOT NULL,
            sender TEXT NOT NULL,
            subject TEXT NOT NULL DEFAULT '',
            data BLOB NOT NULL,
            created_at INTEGER NOT NULL,
            FOREIGN KEY(app_id) REFERENCES apps(id)
        );`,
		`CREATE TABLE IF NOT EXISTS email_recipients (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            email_id TEXT NOT NULL,
            position INTEGER NOT NULL,
            address TEXT NOT NULL,
            FOREIGN KEY(email_id) REFERENCES emails(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS deliveries (
            id TEXT PRIMARY KEY,
            email_id TEXT NOT NULL,
            recipient TEXT NOT NULL,
            state TEXT NOT NULL DEFAULT 'queued',
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            next_attempt_at INTEGER NOT NULL,
            delivered_at INTEGER,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            FOREIGN KEY(email_id) REFERENCES emails(id) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_recipients_email ON email_recipients(email_id, position);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(state, next_attempt_at);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_email ON deliveries(email_id);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// CreateApp creates a new app with generated SMTP credentials. The username
// embeds the row id, which makes it globally unique.
func (s *Store) CreateApp(ctx context.Context, name string) (*app.App, error) {
	if err := app.ValidateName(name); err != nil {
		return nil, err
	}
	password, err := app.GenerateSMTPPassword()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO apps (name, smtp_password, created_at) VALUES (?, ?, ?);`,
		name, password, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert app: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("app id: %w", err)
	}

	username := app.SMTPUsernameFor(name, id)
	if _, err := tx.ExecContext(ctx,
		`UPDATE apps SET smtp_username = ? WHERE id = ?;`, username, id); err != nil {
		return nil, fmt.Errorf("set smtp username: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit app: %w", err)
	}

	return &app.App{
		ID:           id,
		Name:         name,
		SMTPUsername: username,
		SMTPPassword: password,
		CreatedAt:    now,
	}, nil
}

// AppByUsername performs an exact-match lookup by SMTP username.
func (s *Store) AppByUsername(ctx context.Context, username string) (*app.App, error) {
	return s.appBy(ctx, `smtp_username = ?`, username)
}

// AppByID loads an app by its id.
func (s *Store) AppByID(ctx context.Context, id int64) (*app.App, error) {
	return s.appBy(ctx, `id = ?`, id)
}

func (s *Store) appBy(ctx context.Context, where string, arg any) (*app.App, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(smtp_username, ''), smtp_password, smtp_password_locked,
                COALESCE(dkim_private_key, ''), from_domain, custom_tracking_domain, created_at
         FROM apps WHERE `+where+`;`, arg)

	var a app.App
	var locked int
	var createdAt int64
	err := row.Scan(&a.ID, &a.Name, &a.SMTPUsername, &a.SMTPPassword, &locked,
		&a.DKIMPrivateKey, &a.FromDomain, &a.CustomTrackingDomain, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAppNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load app: %w", err)
	}
	a.SMTPPasswordLocked = locked != 0
	a.CreatedAt = time.Unix(0, createdAt)
	return &a, nil
}

// UpdateSMTPCredentials rotates the app's SMTP password to a fresh random
// token, unless the password is locked. Returns the updated app.
func (s *Store) UpdateSMTPCredentials(ctx context.Context, id int64) (*app.App, error) {
	a, err := s.AppByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.SMTPPasswordLocked {
		return a, nil
	}

	password, err := app.GenerateSMTPPassword()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE apps SET smtp_password = ? WHERE id = ?;`, password, id); err != nil {
		return nil, fmt.Errorf("rotate smtp password: %w", err)
	}
	a.SMTPPassword = password
	return a, nil
}

// SetTrackingDomain records an app's custom tracking domain.
func (s *Store) SetTrackingDomain(ctx context.Context, id int64, domain string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE apps SET custom_tracking_domain = ? WHERE id = ?;`, domain, id); err != nil {
		return fmt.Errorf("set tracking domain: %w", err)
	}
	return nil
}

// GetOrCreateDKIMKey returns the app's DKIM private key, generating and
// persisting one on first access. The claim is a conditional UPDATE so two
// concurrent callers (possibly in different processes) cannot issue two
// distinct keys: the first writer wins and the loser re-reads the stored key.
func (s *Store) GetOrCreateDKIMKey(ctx context.Context, id int64) (string, error) {
	a, err := s.AppByID(ctx, id)
	if err != nil {
		return "", err
	}
	if a.DKIMPrivateKey != "" {
		return a.DKIMPrivateKey, nil
	}

	generated, err := dkim.GenerateKey()
	if err != nil {
		return "", err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE apps SET dkim_private_key = ?
         WHERE id = ? AND (dkim_private_key IS NULL OR dkim_private_key = '');`,
		generated, id)
	if err != nil {
		return "", fmt.Errorf("store dkim key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("store dkim key: %w", err)
	}
	if n == 1 {
		return generated, nil
	}

	// Lost the race; another writer stored a key first.
	a, err = s.AppByID(ctx, id)
	if err != nil {
		return "", err
	}
	if a.DKIMPrivateKey == "" {
		return "", fmt.Errorf("dkim key for app %d missing after claim", id)
	}
	return a.DKIMPrivateKey, nil
}

// CreateEmail durably records an accepted message and enqueues one queued
// delivery per recipient, all in a single transaction. On any failure
// nothing is persisted and nothing is queued.
func (s *Store) CreateEmail(ctx context.Context, appID int64, sender string, recipients []string, data []byte) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("email needs at least one recipient")
	}

	emailID := uuid.NewString()
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO emails (id, app_id, sender, subject, data, created_at)
         VALUES (?, ?, ?, ?, ?, ?);`,
		emailID, appID, sender, extractSubject(data), data, now.UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert email: %w", err)
	}

	for i, recipient := range recipients {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO email_recipients (email_id, position, address) VALUES (?, ?, ?);`,
			emailID, i, recipient)
		if err != nil {
			return "", fmt.Errorf("insert recipient: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO deliveries (id, email_id, recipient, state, next_attempt_at, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?);`,
			uuid.NewString(), emailID, recipient, DeliveryQueued,
			now.UnixNano(), now.UnixNano(), now.UnixNano())
		if err != nil {
			return "", fmt.Errorf("enqueue delivery: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit email: %w", err)
	}
	return emailID, nil
}

// EmailByID loads an accepted email with its recipients in insertion order.
func (s *Store) EmailByID(ctx context.Context, id string) (*Email, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app_id, sender, subject, data, created_at FROM emails WHERE id = ?;`, id)

	var e Email
	var createdAt int64
	err := row.Scan(&e.ID, &e.AppID, &e.Sender, &e.Subject, &e.Data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load email: %w", err)
	}
	e.CreatedAt = time.Unix(0, createdAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT address FROM email_recipients WHERE email_id = ? ORDER BY position;`, id)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		e.Recipients = append(e.Recipients, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	return &e, nil
}

// extractSubject parses the Subject header from raw message data for
// operator-facing listings. Parse failures just leave the subject empty.
func extractSubject(data []byte) string {
	// CreateReader can return a usable reader alongside a charset error.
	mr, _ := mail.CreateReader(bytes.NewReader(data))
	if mr == nil {
		return ""
	}
	subject, err := mr.Header.Subject()
	if err != nil {
		return ""
	}
	return subject
}
