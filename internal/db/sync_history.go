package db

import (
	"database/sql"
	"fmt"

	"github.com/marcus/aula/internal/models"
)

// RecordDrainTx inserts one drain history row.
func RecordDrainTx(tx *sql.Tx, rec models.DrainRecord) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO sync_history (started_at, finished_at, outcome, passes, sent, failed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(rec.StartedAt), formatTime(rec.FinishedAt), string(rec.Outcome), rec.Passes, rec.Sent, rec.Failed)
	if err != nil {
		return 0, fmt.Errorf("insert sync history: %w", err)
	}
	return res.LastInsertId()
}

// RecordDrain stores the summary of a finished drain.
func (db *DB) RecordDrain(rec models.DrainRecord) error {
	return db.withTx(func(tx *sql.Tx) error {
		_, err := RecordDrainTx(tx, rec)
		return err
	})
}

// RecentDrains returns up to limit drains, newest first.
func (db *DB) RecentDrains(limit int) ([]models.DrainRecord, error) {
	rows, err := db.conn.Query(`
		SELECT id, started_at, finished_at, outcome, passes, sent, failed
		FROM sync_history
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync history: %w", err)
	}
	defer rows.Close()

	var out []models.DrainRecord
	for rows.Next() {
		var (
			r              models.DrainRecord
			started, ended string
			outcome        string
		)
		if err := rows.Scan(&r.ID, &started, &ended, &outcome, &r.Passes, &r.Sent, &r.Failed); err != nil {
			return nil, err
		}
		r.Outcome = models.DrainOutcome(outcome)
		if t, err := parseTimestamp(started); err == nil {
			r.StartedAt = t
		}
		if t, err := parseTimestamp(ended); err == nil {
			r.FinishedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
