// Package profiles persists what the assistant knows about each customer
// (name, phone, upstream customer id) in SQLite so returning users do not
// re-enter their details.
package profiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Profile holds the booking details remembered for one conversation peer.
type Profile struct {
	TelegramID int64     `json:"telegram_id"`
	Name       string    `json:"name,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Email      string    `json:"email,omitempty"`
	CustomerID int64     `json:"customer_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Complete reports whether the profile carries everything a booking needs.
func (p *Profile) Complete() bool {
	return p.Name != "" && p.Phone != ""
}

// Store persists profiles in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens the profile database at path, running migrations on first use.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open profile db: %w", err)
	}
	// modernc sqlite serializes writes itself; a single connection avoids
	// SQLITE_BUSY under concurrent tool calls.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate profiles: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			telegram_id INTEGER PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			phone       TEXT NOT NULL DEFAULT '',
			email       TEXT NOT NULL DEFAULT '',
			customer_id INTEGER NOT NULL DEFAULT 0,
			updated_at  TIMESTAMP NOT NULL
		)
	`)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored profile, or nil when none exists.
func (s *Store) Get(ctx context.Context, telegramID int64) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT telegram_id, name, phone, email, customer_id, updated_at
		FROM profiles WHERE telegram_id = ?
	`, telegramID)

	var p Profile
	err := row.Scan(&p.TelegramID, &p.Name, &p.Phone, &p.Email, &p.CustomerID, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Save upserts a profile. Empty fields in the incoming profile do not
// blank out previously stored values.
func (s *Store) Save(ctx context.Context, p Profile) error {
	p.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (telegram_id, name, phone, email, customer_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(telegram_id) DO UPDATE SET
			name        = CASE WHEN excluded.name        != '' THEN excluded.name        ELSE profiles.name        END,
			phone       = CASE WHEN excluded.phone       != '' THEN excluded.phone       ELSE profiles.phone       END,
			email       = CASE WHEN excluded.email       != '' THEN excluded.email       ELSE profiles.email       END,
			customer_id = CASE WHEN excluded.customer_id != 0  THEN excluded.customer_id ELSE profiles.customer_id END,
			updated_at  = excluded.updated_at
	`, p.TelegramID, p.Name, p.Phone, p.Email, p.CustomerID, p.UpdatedAt)
	return err
}

// Delete removes a profile. Missing ids are a no-op.
func (s *Store) Delete(ctx context.Context, telegramID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE telegram_id = ?`, telegramID)
	return err
}
