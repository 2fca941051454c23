package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// auditStore keeps an append-only record of publish requests and their
// outcome counts. It is an operator's log: nothing on the delivery path
// reads it, and nothing is replayed from it on restart.
type auditStore struct {
	db *sql.DB
}

func openAuditStore(ctx context.Context, path string) (*auditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := ensureAuditSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &auditStore{db: db}, nil
}

func ensureAuditSchema(ctx context.Context, db *sql.DB) error {
	const publishesTable = `
    CREATE TABLE IF NOT EXISTS publishes (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        service TEXT NOT NULL,
        event TEXT NOT NULL,
        criteria TEXT NOT NULL,
        attempted INTEGER NOT NULL,
        delivered INTEGER NOT NULL,
        created_at TIMESTAMP NOT NULL
    );`
	if _, err := db.ExecContext(ctx, publishesTable); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS publishes_service ON publishes(service, id)`); err != nil {
		return err
	}
	return nil
}

func (a *auditStore) Close() error {
	return a.db.Close()
}

type publishRecord struct {
	ID        int64     `json:"id"`
	Service   string    `json:"service"`
	Event     string    `json:"event"`
	Criteria  filter    `json:"criteria"`
	Attempted int       `json:"attempted"`
	Delivered int       `json:"delivered"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *auditStore) record(ctx context.Context, service, event string, criteria filter, result dispatchResult) error {
	encoded, err := json.Marshal(criteria)
	if err != nil {
		return fmt.Errorf("encode criteria: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO publishes (service, event, criteria, attempted, delivered, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		service, event, string(encoded), result.Attempted, result.Delivered, time.Now().UTC())
	return err
}

// recent returns publish records newest first, optionally restricted to one
// service.
func (a *auditStore) recent(ctx context.Context, service string, limit int) ([]publishRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, service, event, criteria, attempted, delivered, created_at FROM publishes`
	args := []any{}
	if service != "" {
		query += ` WHERE service = ?`
		args = append(args, service)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []publishRecord{}
	for rows.Next() {
		var rec publishRecord
		var criteria string
		if err := rows.Scan(&rec.ID, &rec.Service, &rec.Event, &criteria, &rec.Attempted, &rec.Delivered, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(criteria), &rec.Criteria); err != nil {
			return nil, fmt.Errorf("decode criteria for record %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}
