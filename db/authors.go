package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/deemkeen/federa/domain"
	"github.com/google/uuid"
)

// Author queries
const (
	sqlSelectAuthorFields = `SELECT id, url, host, display_name, github, profile_image, web, node_id, is_approved, last_fetched_at, created_at FROM authors`
	sqlSelectAuthorByURL  = sqlSelectAuthorFields + ` WHERE url = ?`
	sqlSelectAuthorById   = sqlSelectAuthorFields + ` WHERE id = ?`
	sqlSelectLocalAuthors = sqlSelectAuthorFields + ` WHERE node_id IS NULL ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?`
	sqlSelectNodeAuthors  = sqlSelectAuthorFields + ` WHERE node_id = ? ORDER BY created_at ASC`

	sqlInsertAuthor = `INSERT INTO authors(id, url, host, display_name, github, profile_image, web, node_id, is_approved, last_fetched_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`

	sqlUpdateRemoteAuthor = `UPDATE authors SET host = ?, display_name = ?, github = ?, profile_image = ?, web = ?, node_id = ?, is_approved = 1, last_fetched_at = ?
		WHERE id = ? AND node_id IS NOT NULL`
	sqlTouchAuthor = `UPDATE authors SET last_fetched_at = ? WHERE id = ?`
)

// CreateLocalAuthor inserts an author owned by this node.
func (db *DB) CreateLocalAuthor(ctx context.Context, author *domain.Author) error {
	if author.Id == uuid.Nil {
		author.Id = uuid.New()
	}
	author.NodeId = nil
	author.IsApproved = true
	if author.CreatedAt.IsZero() {
		author.CreatedAt = now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertAuthor, author.Id.String(), author.URL, author.Host, author.DisplayName,
			author.Github, author.ProfileImage, author.Web, nil, true, nil, author.CreatedAt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDuplicate
		}
		return nil
	})
}

// UpsertRemoteAuthor creates or refreshes a cached remote author. The row is
// matched by URL; an id already taken by another URL is ErrConflict. Local
// authors are never modified.
// It returns the stored row and whether it was newly created.
func (db *DB) UpsertRemoteAuthor(ctx context.Context, author *domain.Author) (*domain.Author, bool, error) {
	if author.Id == uuid.Nil {
		author.Id = uuid.New()
	}
	var stored *domain.Author
	var created bool
	fetched := now()
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		created = false
		existing, err := findAuthor(ctx, tx, author.URL, author.Id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing == nil {
			if author.CreatedAt.IsZero() {
				author.CreatedAt = fetched
			}
			res, err := tx.ExecContext(ctx, sqlInsertAuthor, author.Id.String(), author.URL, author.Host, author.DisplayName,
				author.Github, author.ProfileImage, author.Web, nullableUUID(author.NodeId), true, fetched, author.CreatedAt)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				created = true
				stored, err = findAuthor(ctx, tx, author.URL, author.Id)
				return err
			}
			existing, err = findAuthor(ctx, tx, author.URL, author.Id)
			if err != nil {
				return err
			}
		}
		if existing.IsLocal() {
			stored = existing
			return nil
		}
		if _, err := tx.ExecContext(ctx, sqlUpdateRemoteAuthor, author.Host, author.DisplayName, author.Github, author.ProfileImage,
			author.Web, nullableUUID(author.NodeId), fetched, existing.Id.String()); err != nil {
			return err
		}
		stored, err = findAuthor(ctx, tx, existing.URL, existing.Id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (db *DB) ReadAuthorByURL(ctx context.Context, url string) (*domain.Author, error) {
	return scanAuthor(db.db.QueryRowContext(ctx, sqlSelectAuthorByURL, url))
}

func (db *DB) ReadAuthorById(ctx context.Context, id uuid.UUID) (*domain.Author, error) {
	return scanAuthor(db.db.QueryRowContext(ctx, sqlSelectAuthorById, id.String()))
}

// ReadLocalAuthors returns one page of authors owned by this node
func (db *DB) ReadLocalAuthors(ctx context.Context, page, size int) ([]domain.Author, error) {
	limit, offset := pageArgs(page, size)
	return db.queryAuthors(ctx, sqlSelectLocalAuthors, limit, offset)
}

func (db *DB) ReadAuthorsByNode(ctx context.Context, nodeId uuid.UUID) ([]domain.Author, error) {
	return db.queryAuthors(ctx, sqlSelectNodeAuthors, nodeId.String())
}

// TouchAuthorFetched records a refresh attempt that returned nothing new.
func (db *DB) TouchAuthorFetched(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlTouchAuthor, now(), id.String())
		return err
	})
}

func (db *DB) queryAuthors(ctx context.Context, query string, args ...any) ([]domain.Author, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var authors []domain.Author
	for rows.Next() {
		author, err := scanAuthorRow(rows)
		if err != nil {
			return authors, err
		}
		authors = append(authors, *author)
	}
	return authors, rows.Err()
}

func findAuthor(ctx context.Context, q rowQuerier, url string, id uuid.UUID) (*domain.Author, error) {
	author, err := scanAuthor(q.QueryRowContext(ctx, sqlSelectAuthorByURL, url))
	if !errors.Is(err, ErrNotFound) {
		return author, err
	}
	if id == uuid.Nil {
		return nil, ErrNotFound
	}
	author, err = scanAuthor(q.QueryRowContext(ctx, sqlSelectAuthorById, id.String()))
	if err != nil {
		return nil, err
	}
	if !sameURL(author.URL, url) {
		return nil, ErrConflict
	}
	return author, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAuthorRow(s scanner) (*domain.Author, error) {
	var author domain.Author
	var nodeId uuid.NullUUID
	var fetched sql.NullTime
	err := s.Scan(&author.Id, &author.URL, &author.Host, &author.DisplayName, &author.Github, &author.ProfileImage,
		&author.Web, &nodeId, &author.IsApproved, &fetched, &author.CreatedAt)
	if err != nil {
		return nil, err
	}
	if nodeId.Valid {
		id := nodeId.UUID
		author.NodeId = &id
	}
	if fetched.Valid {
		t := fetched.Time
		author.LastFetchedAt = &t
	}
	return &author, nil
}

func scanAuthor(row *sql.Row) (*domain.Author, error) {
	author, err := scanAuthorRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return author, err
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}
