package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/aula/internal/models"
)

var (
	ErrItemNotFound = errors.New("pending item not found")
	ErrInvalidKind  = errors.New("invalid pending kind")
)

const pendingColumns = `seq, id, kind, payload, created_at, sent, sent_at, attempts, last_error`

// AppendTx inserts item, assigning an ID and CreatedAt when unset.
// The returned item carries its store sequence number.
func AppendTx(tx *sql.Tx, item models.PendingItem) (models.PendingItem, error) {
	if !item.Kind.IsValid() {
		return item, fmt.Errorf("%w: %q", ErrInvalidKind, item.Kind)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if len(item.Payload) == 0 {
		item.Payload = json.RawMessage("{}")
	}

	res, err := tx.Exec(`INSERT INTO pending_items (id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		item.ID, string(item.Kind), string(item.Payload), formatTime(item.CreatedAt))
	if err != nil {
		return item, fmt.Errorf("insert pending item: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return item, fmt.Errorf("pending item seq: %w", err)
	}
	item.Seq = seq
	return item, nil
}

// ListPendingTx returns unsent items of kind in insertion order.
func ListPendingTx(tx *sql.Tx, kind models.Kind) ([]models.PendingItem, error) {
	rows, err := tx.Query(`SELECT `+pendingColumns+` FROM pending_items
		WHERE kind = ? AND sent = 0
		ORDER BY seq ASC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query pending %s: %w", kind, err)
	}
	defer rows.Close()
	return scanPendingItems(rows)
}

// MarkSentTx flags an item as transmitted. Marking an already-sent
// item is a no-op.
func MarkSentTx(tx *sql.Tx, id string, at time.Time) error {
	res, err := tx.Exec(`UPDATE pending_items
		SET sent = 1, sent_at = COALESCE(sent_at, ?), attempts = attempts + 1, last_error = ''
		WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkFailedTx records a failed send attempt without changing sent state.
func MarkFailedTx(tx *sql.Tx, id string, cause string) error {
	res, err := tx.Exec(`UPDATE pending_items
		SET attempts = attempts + 1, last_error = ?
		WHERE id = ?`, cause, id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return requireRow(res, id)
}

// PurgeSentTx deletes acknowledged items of kind. An empty kind purges all.
func PurgeSentTx(tx *sql.Tx, kind models.Kind) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if kind == "" {
		res, err = tx.Exec(`DELETE FROM pending_items WHERE sent = 1`)
	} else {
		res, err = tx.Exec(`DELETE FROM pending_items WHERE sent = 1 AND kind = ?`, string(kind))
	}
	if err != nil {
		return 0, fmt.Errorf("purge sent: %w", err)
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return nil
}

func scanPendingItems(rows *sql.Rows) ([]models.PendingItem, error) {
	var items []models.PendingItem
	for rows.Next() {
		var (
			it        models.PendingItem
			kind      string
			payload   string
			createdAt string
			sent      int
			sentAt    sql.NullString
		)
		if err := rows.Scan(&it.Seq, &it.ID, &kind, &payload, &createdAt, &sent, &sentAt, &it.Attempts, &it.LastError); err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}
		it.Kind = models.Kind(kind)
		it.Payload = json.RawMessage(payload)
		it.Sent = sent != 0
		if t, err := parseTimestamp(createdAt); err == nil {
			it.CreatedAt = t
		}
		if sentAt.Valid {
			if t, err := parseTimestamp(sentAt.String); err == nil {
				it.SentAt = &t
			}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Append buffers a new item.
func (db *DB) Append(item models.PendingItem) (models.PendingItem, error) {
	var out models.PendingItem
	err := db.withTx(func(tx *sql.Tx) error {
		var err error
		out, err = AppendTx(tx, item)
		return err
	})
	return out, err
}

// ListPending returns unsent items of kind, oldest first.
func (db *DB) ListPending(kind models.Kind) ([]models.PendingItem, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	return ListPendingTx(tx, kind)
}

// ListAll returns every stored item, optionally filtered by kind.
func (db *DB) ListAll(kind models.Kind) ([]models.PendingItem, error) {
	q := `SELECT ` + pendingColumns + ` FROM pending_items`
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY seq ASC`

	rows, err := db.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	return scanPendingItems(rows)
}

// MarkSent flags an item as transmitted.
func (db *DB) MarkSent(id string) error {
	return db.withTx(func(tx *sql.Tx) error {
		return MarkSentTx(tx, id, db.now())
	})
}

// MarkFailed records a failed send attempt.
func (db *DB) MarkFailed(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return db.withTx(func(tx *sql.Tx) error {
		return MarkFailedTx(tx, id, msg)
	})
}

// PurgeSent removes sent items of kind (all kinds when empty).
func (db *DB) PurgeSent(kind models.Kind) (int64, error) {
	var n int64
	err := db.withTx(func(tx *sql.Tx) error {
		var err error
		n, err = PurgeSentTx(tx, kind)
		return err
	})
	return n, err
}

// CountPending returns the number of unsent items per kind.
func (db *DB) CountPending() (map[models.Kind]int, error) {
	rows, err := db.conn.Query(`SELECT kind, COUNT(*) FROM pending_items WHERE sent = 0 GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Kind]int)
	for _, k := range models.AllKinds() {
		counts[k] = 0
	}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[models.Kind(kind)] = n
	}
	return counts, rows.Err()
}
