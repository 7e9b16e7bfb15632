package db

import (
	"context"
	"database/sql"

	"github.com/deemkeen/federa/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertDelivery = `INSERT INTO delivery_records(id, entry_url, node_id, recipient_url, delivered_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entry_url, node_id, recipient_url) DO UPDATE SET delivered_at = excluded.delivered_at`
	sqlSelectDeliveries = `SELECT id, entry_url, node_id, recipient_url, delivered_at FROM delivery_records WHERE entry_url = ? ORDER BY delivered_at ASC`

	sqlInsertSyncRun = `INSERT INTO sync_runs(id, node_id, started_at, finished_at, authors_created, authors_updated, entries_created, entries_updated, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectSyncRuns = `SELECT id, node_id, started_at, finished_at, authors_created, authors_updated, entries_created, entries_updated, error
		FROM sync_runs WHERE node_id = ? ORDER BY started_at DESC LIMIT ?`
)

// RecordDelivery remembers that entryURL reached recipientURL on node.
// recipientURL is empty for the broadcast inbox. Re-recording refreshes the timestamp.
func (db *DB) RecordDelivery(ctx context.Context, entryURL string, nodeId uuid.UUID, recipientURL string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertDelivery, uuid.New().String(), entryURL, nodeId.String(), recipientURL, now())
		return err
	})
}

func (db *DB) ReadDeliveries(ctx context.Context, entryURL string) ([]domain.DeliveryRecord, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDeliveries, entryURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.DeliveryRecord
	for rows.Next() {
		var r domain.DeliveryRecord
		if err := rows.Scan(&r.Id, &r.EntryURL, &r.NodeId, &r.RecipientURL, &r.DeliveredAt); err != nil {
			return records, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (db *DB) CreateSyncRun(ctx context.Context, run *domain.SyncRun) error {
	if run.Id == uuid.Nil {
		run.Id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertSyncRun, run.Id.String(), run.NodeId.String(), run.StartedAt.UTC(), run.FinishedAt.UTC(),
			run.AuthorsCreated, run.AuthorsUpdated, run.EntriesCreated, run.EntriesUpdated, run.Error)
		return err
	})
}

// ReadSyncRuns returns the latest runs for a node, newest first
func (db *DB) ReadSyncRuns(ctx context.Context, nodeId uuid.UUID, limit int) ([]domain.SyncRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.db.QueryContext(ctx, sqlSelectSyncRuns, nodeId.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.SyncRun
	for rows.Next() {
		var r domain.SyncRun
		if err := rows.Scan(&r.Id, &r.NodeId, &r.StartedAt, &r.FinishedAt, &r.AuthorsCreated, &r.AuthorsUpdated,
			&r.EntriesCreated, &r.EntriesUpdated, &r.Error); err != nil {
			return runs, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
