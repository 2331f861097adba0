package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/marcus/aula/internal/models"
)

// ErrNoCredentials is returned when no session is stored.
var ErrNoCredentials = errors.New("no stored credentials")

// GetCredentials returns the stored credential pair.
func (db *DB) GetCredentials() (models.Credential, error) {
	var c models.Credential
	err := db.conn.QueryRow(`SELECT access_token, refresh_token, subject FROM credentials WHERE slot = 1`).
		Scan(&c.AccessToken, &c.RefreshToken, &c.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Credential{}, ErrNoCredentials
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("read credentials: %w", err)
	}
	return c, nil
}

// SetCredentials replaces the stored pair in a single statement so readers
// never see a half-written pair.
func (db *DB) SetCredentials(c models.Credential) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`INSERT INTO credentials (slot, access_token, refresh_token, subject, updated_at)
			VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(slot) DO UPDATE SET
				access_token = excluded.access_token,
				refresh_token = excluded.refresh_token,
				subject = excluded.subject,
				updated_at = excluded.updated_at`,
			c.AccessToken, c.RefreshToken, c.Subject, formatTime(db.now()))
		if err != nil {
			return fmt.Errorf("write credentials: %w", err)
		}
		return nil
	})
}

// ClearCredentials removes the stored session.
func (db *DB) ClearCredentials() error {
	return db.withWriteLock(func() error {
		if _, err := db.conn.Exec(`DELETE FROM credentials`); err != nil {
			return fmt.Errorf("clear credentials: %w", err)
		}
		return nil
	})
}
