// Package history keeps a local record of device snapshots in SQLite.
//
// The record is for observability: charting state of charge or checking
// when a device stopped answering. Nothing in the bridge reads it back to
// make decisions.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/venus-bridge/internal/marstek"
)

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// timestampFormat sorts lexically in time order. Values are always UTC.
const timestampFormat = "2006-01-02T15:04:05.000000Z"

// Entry is one recorded snapshot slice.
type Entry struct {
	ID        int64            `json:"id"`
	DeviceID  string           `json:"device_id"`
	Endpoint  marstek.Endpoint `json:"endpoint"`
	Result    marstek.Result   `json:"result"`
	Stale     bool             `json:"stale"`
	Version   uint64           `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
}

// Repository stores and retrieves snapshot history.
type Repository interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, deviceID string, limit int) ([]Entry, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SQLiteRepository implements Repository on the snapshot_history table.
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository.
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a repository over an open database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts one entry. A zero CreatedAt is set to now and an empty
// endpoint means status.
func (r *SQLiteRepository) Record(ctx context.Context, e Entry) error {
	if e.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if e.Endpoint == "" {
		e.Endpoint = marstek.EndpointStatus
	}
	if e.Result == nil {
		e.Result = marstek.Result{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	resultJSON, err := json.Marshal(e.Result)
	if err != nil {
		return fmt.Errorf("marshalling result: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO snapshot_history (device_id, endpoint, result, stale, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.DeviceID, string(e.Endpoint), string(resultJSON),
		boolInt(e.Stale), int64(e.Version), //nolint:gosec // versions never reach 2^63
		e.CreatedAt.UTC().Format(timestampFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting snapshot history: %w", err)
	}
	return nil
}

// List returns a device's entries, newest first.
// Limit defaults to 50 and is capped at 200.
func (r *SQLiteRepository) List(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, endpoint, result, stale, version, created_at
		 FROM snapshot_history
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e          Entry
			endpoint   string
			resultJSON string
			stale      int
			version    int64
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &endpoint, &resultJSON, &stale, &version, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot history: %w", err)
		}
		if err := json.Unmarshal([]byte(resultJSON), &e.Result); err != nil {
			return nil, fmt.Errorf("unmarshalling result: %w", err)
		}
		e.Endpoint = marstek.Endpoint(endpoint)
		e.Stale = stale != 0
		e.Version = uint64(version) //nolint:gosec // written from a uint64
		e.CreatedAt, err = time.Parse(timestampFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than olderThan and returns how many went.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(timestampFormat)
	res, err := r.db.ExecContext(ctx, "DELETE FROM snapshot_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting snapshot history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
