package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/deemkeen/federa/domain"
	"github.com/google/uuid"
)

// Inbox queries
const (
	sqlSelectInboxFields = `SELECT id, recipient_url, kind, object_kind, object_id, object_url, payload, is_read, received_at FROM inbox_items`
	sqlSelectInboxByKey  = sqlSelectInboxFields + ` WHERE recipient_url = ? AND kind = ? AND object_kind = ? AND object_id = ?`
	sqlSelectInboxById   = sqlSelectInboxFields + ` WHERE id = ?`
	sqlSelectInboxByRef  = sqlSelectInboxFields + ` WHERE recipient_url = ? AND object_kind = ? AND object_id = ? ORDER BY received_at DESC, rowid DESC`
	sqlCountInboxByKind  = `SELECT kind, COUNT(*), COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0) FROM inbox_items WHERE recipient_url = ? GROUP BY kind`

	sqlInsertInboxItem = `INSERT INTO inbox_items(id, recipient_url, kind, object_kind, object_id, object_url, payload, is_read, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?) ON CONFLICT DO NOTHING`
)

// InsertInboxItem stores item unless an item with the same dedup key exists.
// It returns the stored item and whether it was created.
func (db *DB) InsertInboxItem(ctx context.Context, item *domain.InboxItem) (*domain.InboxItem, bool, error) {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = now()
	}
	var stored *domain.InboxItem
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertInboxItem, item.Id.String(), item.RecipientURL, string(item.Kind), string(item.Ref.Kind),
			item.Ref.Id.String(), item.Ref.URL, item.Payload, item.ReceivedAt)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n == 1
		stored, err = scanInboxItem(tx.QueryRowContext(ctx, sqlSelectInboxByKey, item.RecipientURL, string(item.Kind),
			string(item.Ref.Kind), item.Ref.Id.String()))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// ReadInboxItems lists a recipient's inbox newest first
func (db *DB) ReadInboxItems(ctx context.Context, recipientURL string, filter domain.InboxFilter) ([]domain.InboxItem, error) {
	query := sqlSelectInboxFields + ` WHERE recipient_url = ?`
	args := []any{recipientURL}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.UnreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY received_at DESC, rowid DESC LIMIT ? OFFSET ?`
	limit, offset := pageArgs(filter.Page, filter.Size)
	args = append(args, limit, offset)

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.InboxItem
	for rows.Next() {
		item, err := scanInboxRow(rows)
		if err != nil {
			return items, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (db *DB) ReadInboxItemById(ctx context.Context, id uuid.UUID) (*domain.InboxItem, error) {
	return scanInboxItem(db.db.QueryRowContext(ctx, sqlSelectInboxById, id.String()))
}

// ReadInboxItemByRef returns the newest item of recipientURL pointing at ref
func (db *DB) ReadInboxItemByRef(ctx context.Context, recipientURL string, ref domain.ObjectRef) (*domain.InboxItem, error) {
	return scanInboxItem(db.db.QueryRowContext(ctx, sqlSelectInboxByRef, recipientURL, string(ref.Kind), ref.Id.String()))
}

// MarkInboxItemsRead flips the given items of recipientURL to read. Ids
// belonging to another recipient are ignored. Returns the number of rows changed.
func (db *DB) MarkInboxItemsRead(ctx context.Context, recipientURL string, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := []any{recipientURL}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id.String())
	}
	query := `UPDATE inbox_items SET is_read = 1 WHERE is_read = 0 AND recipient_url = ? AND id IN (` + strings.Join(placeholders, ", ") + `)`

	var changed int
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		changed = int(n)
		return nil
	})
	return changed, err
}

func (db *DB) ReadInboxStats(ctx context.Context, recipientURL string) (*domain.InboxStats, error) {
	rows, err := db.db.QueryContext(ctx, sqlCountInboxByKind, recipientURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &domain.InboxStats{ByKind: map[domain.ActivityKind]int{}}
	for rows.Next() {
		var kind string
		var total, unread int
		if err := rows.Scan(&kind, &total, &unread); err != nil {
			return nil, err
		}
		stats.ByKind[domain.ActivityKind(kind)] = total
		stats.Total += total
		stats.Unread += unread
	}
	return stats, rows.Err()
}

func scanInboxRow(s scanner) (*domain.InboxItem, error) {
	var item domain.InboxItem
	var kind, objectKind string
	err := s.Scan(&item.Id, &item.RecipientURL, &kind, &objectKind, &item.Ref.Id, &item.Ref.URL, &item.Payload,
		&item.IsRead, &item.ReceivedAt)
	if err != nil {
		return nil, err
	}
	item.Kind = domain.ActivityKind(kind)
	item.Ref.Kind = domain.ObjectKind(objectKind)
	return &item, nil
}

func scanInboxItem(row *sql.Row) (*domain.InboxItem, error) {
	item, err := scanInboxRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}
