// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlite holds the durable admin roster and the append-only
// change history for admins and tokens.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/gatewarden/gatewarden/pkg/gwerrors"
	"github.com/gatewarden/gatewarden/pkg/logger"
	"github.com/gatewarden/gatewarden/pkg/token"
)

// History actions.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionCreate = "create"
	ActionRevoke = "revoke"
)

// AdminHistoryEntry is one row of the admin change log.
type AdminHistoryEntry struct {
	Username  string
	Action    string
	Actor     string
	IP        string
	EventTime time.Time
}

// TokenChangeEntry is one row of the token change log.
type TokenChangeEntry struct {
	EventID   string
	TokenKey  string
	Username  string
	TokenType token.Type
	Parent    string
	Service   string
	Scopes    []string
	Actor     string
	Action    string
	IP        string
	EventTime time.Time
}

// Store is the SQLite-backed admin and history store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies
// pending migrations. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsAdmin reports whether username is in the admin roster.
func (s *Store) IsAdmin(ctx context.Context, username string) (bool, error) {
	var found string
	err := s.db.QueryRowContext(ctx,
		`SELECT username FROM admins WHERE username = ?`, username,
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("querying admin", err)
	}
	return true, nil
}

// ListAdmins returns the admin roster sorted by username.
func (s *Store) ListAdmins(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM admins ORDER BY username`)
	if err != nil {
		return nil, storageErr("listing admins", err)
	}
	defer rows.Close()

	var admins []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, storageErr("scanning admin", err)
		}
		admins = append(admins, username)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating admins", err)
	}
	return admins, nil
}

// AddAdmin adds username to the roster, writing the history entry in the
// same transaction. Fails with Validation if already an admin.
func (s *Store) AddAdmin(ctx context.Context, username, actor, ip string) error {
	if err := token.ValidateUsername(username); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning transaction", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO admins (username) VALUES (?)`, username,
	); err != nil {
		if isUniqueViolation(err) {
			return gwerrors.New(gwerrors.ErrValidation, username+" is already an admin", nil)
		}
		return storageErr("inserting admin", err)
	}
	if err := insertAdminHistory(ctx, tx, username, ActionAdd, actor, ip); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("committing", err)
	}
	return nil
}

// RemoveAdmin removes username from the roster with its history entry.
// Fails with Validation if username is not an admin.
func (s *Store) RemoveAdmin(ctx context.Context, username, actor, ip string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning transaction", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `DELETE FROM admins WHERE username = ?`, username)
	if err != nil {
		return storageErr("deleting admin", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("deleting admin", err)
	}
	if affected == 0 {
		return gwerrors.New(gwerrors.ErrValidation, username+" is not an admin", nil)
	}
	if err := insertAdminHistory(ctx, tx, username, ActionRemove, actor, ip); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("committing", err)
	}
	return nil
}

// Bootstrap idempotently adds the configured initial admins.
func (s *Store) Bootstrap(ctx context.Context, admins []string) error {
	for _, username := range admins {
		isAdmin, err := s.IsAdmin(ctx, username)
		if err != nil {
			return err
		}
		if isAdmin {
			continue
		}
		if err := s.AddAdmin(ctx, username, "bootstrap", ""); err != nil {
			return err
		}
		logger.Infow("added bootstrap admin", "username", username)
	}
	return nil
}

// AdminHistory returns the admin change log for username, oldest first.
func (s *Store) AdminHistory(ctx context.Context, username string) ([]AdminHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, action, actor, ip, event_time
		 FROM admin_history WHERE username = ? ORDER BY event_time, id`, username)
	if err != nil {
		return nil, storageErr("querying admin history", err)
	}
	defer rows.Close()

	var entries []AdminHistoryEntry
	for rows.Next() {
		var e AdminHistoryEntry
		if err := rows.Scan(&e.Username, &e.Action, &e.Actor, &e.IP, &e.EventTime); err != nil {
			return nil, storageErr("scanning admin history", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating admin history", err)
	}
	return entries, nil
}

func insertAdminHistory(ctx context.Context, tx *sql.Tx, username, action, actor, ip string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO admin_history (username, action, actor, ip, event_time)
		 VALUES (?, ?, ?, ?, ?)`,
		username, action, actor, ip, time.Now().UTC(),
	); err != nil {
		return storageErr("inserting admin history", err)
	}
	return nil
}

// AddTokenChange appends a token lifecycle event. A zero EventID or
// EventTime is filled in.
func (s *Store) AddTokenChange(ctx context.Context, entry *TokenChangeEntry) error {
	if entry.EventID == "" {
		entry.EventID = uuid.NewString()
	}
	if entry.EventTime.IsZero() {
		entry.EventTime = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO token_history
		 (event_id, token_key, username, token_type, parent, service, scopes, actor, action, ip, event_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EventID, entry.TokenKey, entry.Username, string(entry.TokenType),
		entry.Parent, entry.Service, strings.Join(entry.Scopes, " "),
		entry.Actor, entry.Action, entry.IP, entry.EventTime,
	); err != nil {
		return storageErr("inserting token history", err)
	}
	return nil
}

// TokenHistory returns the token change log for username, oldest first.
func (s *Store) TokenHistory(ctx context.Context, username string) ([]TokenChangeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, token_key, username, token_type, parent, service, scopes, actor, action, ip, event_time
		 FROM token_history WHERE username = ? ORDER BY event_time, id`, username)
	if err != nil {
		return nil, storageErr("querying token history", err)
	}
	defer rows.Close()

	var entries []TokenChangeEntry
	for rows.Next() {
		var e TokenChangeEntry
		var tokenType, scopes string
		if err := rows.Scan(&e.EventID, &e.TokenKey, &e.Username, &tokenType,
			&e.Parent, &e.Service, &scopes, &e.Actor, &e.Action, &e.IP, &e.EventTime); err != nil {
			return nil, storageErr("scanning token history", err)
		}
		e.TokenType = token.Type(tokenType)
		if scopes != "" {
			e.Scopes = strings.Fields(scopes)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating token history", err)
	}
	return entries, nil
}

func storageErr(op string, err error) error {
	return gwerrors.New(gwerrors.ErrStorage, op+" failed", err)
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
