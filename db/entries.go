package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/deemkeen/federa/domain"
	"github.com/google/uuid"
)

// Entry and comment queries
const (
	sqlSelectEntryFields   = `SELECT id, url, author_url, title, description, content, content_type, visibility, published_at, updated_at, created_at FROM entries`
	sqlSelectEntryByURL    = sqlSelectEntryFields + ` WHERE url = ?`
	sqlSelectEntryById     = sqlSelectEntryFields + ` WHERE id = ?`
	sqlSelectAuthorEntries = sqlSelectEntryFields + ` WHERE author_url = ? ORDER BY published_at DESC, rowid DESC LIMIT ? OFFSET ?`

	sqlSelectLocalPublicEntries = sqlSelectEntryFields + ` WHERE visibility = 'public'
		AND author_url IN (SELECT url FROM authors WHERE node_id IS NULL)
		ORDER BY published_at DESC, rowid DESC LIMIT ? OFFSET ?`

	sqlInsertEntry = `INSERT INTO entries(id, url, author_url, title, description, content, content_type, visibility, published_at, updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`

	sqlUpdateEntry           = `UPDATE entries SET title = ?, description = ?, content = ?, content_type = ?, visibility = ?, updated_at = ? WHERE id = ?`
	sqlUpdateEntryVisibility = `UPDATE entries SET visibility = ?, updated_at = ? WHERE id = ?`
	sqlIsLocalAuthor         = `SELECT COUNT(*) FROM authors WHERE url = ? AND node_id IS NULL`

	sqlSelectCommentFields = `SELECT id, url, author_url, entry_url, content, content_type, published_at, created_at FROM comments`
	sqlSelectCommentByURL  = sqlSelectCommentFields + ` WHERE url = ?`
	sqlSelectCommentById   = sqlSelectCommentFields + ` WHERE id = ?`
	sqlSelectEntryComments = sqlSelectCommentFields + ` WHERE entry_url = ? ORDER BY published_at ASC`

	sqlInsertComment = `INSERT INTO comments(id, url, author_url, entry_url, content, content_type, published_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
)

// CreateEntry inserts a new entry, failing with ErrDuplicate if the id or URL exists.
func (db *DB) CreateEntry(ctx context.Context, entry *domain.Entry) error {
	fillEntryDefaults(entry)
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertEntry, entry.Id.String(), entry.URL, entry.AuthorURL, entry.Title, entry.Description,
			entry.Content, entry.ContentType, string(entry.Visibility), entry.PublishedAt, entry.UpdatedAt, entry.CreatedAt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDuplicate
		}
		return nil
	})
}

// UpsertEntry stores a federated copy of an entry, matched by URL. An id
// already taken by another URL is ErrConflict. An existing entry owned by a local author is left untouched.
// It returns the stored row and whether it was newly created.
func (db *DB) UpsertEntry(ctx context.Context, entry *domain.Entry) (*domain.Entry, bool, error) {
	fillEntryDefaults(entry)
	var stored *domain.Entry
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		created = false
		existing, err := findEntry(ctx, tx, entry.URL, entry.Id)
		if errors.Is(err, ErrNotFound) {
			res, err := tx.ExecContext(ctx, sqlInsertEntry, entry.Id.String(), entry.URL, entry.AuthorURL, entry.Title, entry.Description,
				entry.Content, entry.ContentType, string(entry.Visibility), entry.PublishedAt, entry.UpdatedAt, entry.CreatedAt)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			created = n == 1
			existing, err = findEntry(ctx, tx, entry.URL, entry.Id)
			if err != nil || created {
				stored = existing
				return err
			}
		} else if err != nil {
			return err
		}

		var local int
		if err := tx.QueryRowContext(ctx, sqlIsLocalAuthor, existing.AuthorURL).Scan(&local); err != nil {
			return err
		}
		if local > 0 {
			stored = existing
			return nil
		}
		if _, err := tx.ExecContext(ctx, sqlUpdateEntry, entry.Title, entry.Description, entry.Content, entry.ContentType,
			string(entry.Visibility), entry.UpdatedAt, existing.Id.String()); err != nil {
			return err
		}
		stored, err = findEntry(ctx, tx, existing.URL, existing.Id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// UpdateEntry saves the editable fields of an entry.
func (db *DB) UpdateEntry(ctx context.Context, entry *domain.Entry) error {
	entry.UpdatedAt = now()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateEntry, entry.Title, entry.Description, entry.Content, entry.ContentType,
			string(entry.Visibility), entry.UpdatedAt, entry.Id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (db *DB) UpdateEntryVisibility(ctx context.Context, id uuid.UUID, visibility domain.Visibility) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateEntryVisibility, string(visibility), now(), id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (db *DB) ReadEntryByURL(ctx context.Context, url string) (*domain.Entry, error) {
	return scanEntry(db.db.QueryRowContext(ctx, sqlSelectEntryByURL, url))
}

func (db *DB) ReadEntryById(ctx context.Context, id uuid.UUID) (*domain.Entry, error) {
	return scanEntry(db.db.QueryRowContext(ctx, sqlSelectEntryById, id.String()))
}

// ReadLocalPublicEntries returns one page of public entries written on this node, newest first
func (db *DB) ReadLocalPublicEntries(ctx context.Context, page, size int) ([]domain.Entry, error) {
	limit, offset := pageArgs(page, size)
	return db.queryEntries(ctx, sqlSelectLocalPublicEntries, limit, offset)
}

func (db *DB) ReadEntriesByAuthor(ctx context.Context, authorURL string, page, size int) ([]domain.Entry, error) {
	limit, offset := pageArgs(page, size)
	return db.queryEntries(ctx, sqlSelectAuthorEntries, authorURL, limit, offset)
}

func (db *DB) queryEntries(ctx context.Context, query string, args ...any) ([]domain.Entry, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return entries, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// GetOrCreateComment inserts the comment unless one with the same id or URL
// exists, and returns the stored row.
func (db *DB) GetOrCreateComment(ctx context.Context, comment *domain.Comment) (*domain.Comment, bool, error) {
	if comment.Id == uuid.Nil {
		comment.Id = uuid.New()
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = now()
	}
	if comment.PublishedAt.IsZero() {
		comment.PublishedAt = comment.CreatedAt
	}
	if comment.ContentType == "" {
		comment.ContentType = "text/plain"
	}
	var stored *domain.Comment
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertComment, comment.Id.String(), comment.URL, comment.AuthorURL, comment.EntryURL,
			comment.Content, comment.ContentType, comment.PublishedAt, comment.CreatedAt)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n == 1
		stored, err = scanComment(tx.QueryRowContext(ctx, sqlSelectCommentByURL, comment.URL))
		if errors.Is(err, ErrNotFound) || (err == nil && stored.AuthorURL != comment.AuthorURL) {
			return ErrConflict
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (db *DB) ReadCommentByURL(ctx context.Context, url string) (*domain.Comment, error) {
	return scanComment(db.db.QueryRowContext(ctx, sqlSelectCommentByURL, url))
}

func (db *DB) ReadCommentById(ctx context.Context, id uuid.UUID) (*domain.Comment, error) {
	return scanComment(db.db.QueryRowContext(ctx, sqlSelectCommentById, id.String()))
}

func (db *DB) ReadCommentsByEntry(ctx context.Context, entryURL string) ([]domain.Comment, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectEntryComments, entryURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []domain.Comment
	for rows.Next() {
		comment, err := scanCommentRow(rows)
		if err != nil {
			return comments, err
		}
		comments = append(comments, *comment)
	}
	return comments, rows.Err()
}

func fillEntryDefaults(entry *domain.Entry) {
	if entry.Id == uuid.Nil {
		entry.Id = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}
	if entry.PublishedAt.IsZero() {
		entry.PublishedAt = entry.CreatedAt
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.PublishedAt
	}
	if entry.ContentType == "" {
		entry.ContentType = "text/plain"
	}
	if entry.Visibility == "" {
		entry.Visibility = domain.VisibilityPublic
	}
}

func findEntry(ctx context.Context, q rowQuerier, url string, id uuid.UUID) (*domain.Entry, error) {
	entry, err := scanEntry(q.QueryRowContext(ctx, sqlSelectEntryByURL, url))
	if !errors.Is(err, ErrNotFound) {
		return entry, err
	}
	entry, err = scanEntry(q.QueryRowContext(ctx, sqlSelectEntryById, id.String()))
	if err != nil {
		return nil, err
	}
	if !sameURL(entry.URL, url) {
		return nil, ErrConflict
	}
	return entry, nil
}

func scanEntryRow(s scanner) (*domain.Entry, error) {
	var entry domain.Entry
	var visibility string
	var published, updated sql.NullTime
	err := s.Scan(&entry.Id, &entry.URL, &entry.AuthorURL, &entry.Title, &entry.Description, &entry.Content,
		&entry.ContentType, &visibility, &published, &updated, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	entry.Visibility = domain.Visibility(visibility)
	entry.PublishedAt = published.Time
	entry.UpdatedAt = updated.Time
	return &entry, nil
}

func scanEntry(row *sql.Row) (*domain.Entry, error) {
	entry, err := scanEntryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

func scanCommentRow(s scanner) (*domain.Comment, error) {
	var comment domain.Comment
	var published sql.NullTime
	err := s.Scan(&comment.Id, &comment.URL, &comment.AuthorURL, &comment.EntryURL, &comment.Content,
		&comment.ContentType, &published, &comment.CreatedAt)
	if err != nil {
		return nil, err
	}
	comment.PublishedAt = published.Time
	return &comment, nil
}

func scanComment(row *sql.Row) (*domain.Comment, error) {
	comment, err := scanCommentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return comment, err
}
