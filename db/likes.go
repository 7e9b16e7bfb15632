package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/deemkeen/federa/domain"
	"github.com/google/uuid"
)

const (
	sqlSelectLikeFields  = `SELECT id, url, author_url, object_url, object_kind, created_at FROM likes`
	sqlSelectLikeByPair  = sqlSelectLikeFields + ` WHERE author_url = ? AND object_url = ?`
	sqlSelectLikeById    = sqlSelectLikeFields + ` WHERE id = ?`
	sqlSelectObjectLikes = sqlSelectLikeFields + ` WHERE object_url = ? ORDER BY created_at ASC`
	sqlCountObjectLikes  = `SELECT COUNT(*) FROM likes WHERE object_url = ?`
	sqlInsertLike        = `INSERT INTO likes(id, url, author_url, object_url, object_kind, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
)

// GetOrCreateLike stores a like unless the author already likes the target.
// A concurrent duplicate resolves to the row that won. A like whose id or URL
// is already used for another target is ErrConflict.
func (db *DB) GetOrCreateLike(ctx context.Context, like *domain.Like) (*domain.Like, bool, error) {
	if like.Id == uuid.Nil {
		like.Id = uuid.New()
	}
	if like.CreatedAt.IsZero() {
		like.CreatedAt = now()
	}
	var stored *domain.Like
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertLike, like.Id.String(), like.URL, like.AuthorURL, like.ObjectURL, string(like.ObjectKind), like.CreatedAt)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n == 1
		stored, err = scanLike(tx.QueryRowContext(ctx, sqlSelectLikeByPair, like.AuthorURL, like.ObjectURL))
		if errors.Is(err, ErrNotFound) {
			// the id or URL is taken by a like of another (author, target) pair
			return ErrConflict
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (db *DB) ReadLikeById(ctx context.Context, id uuid.UUID) (*domain.Like, error) {
	return scanLike(db.db.QueryRowContext(ctx, sqlSelectLikeById, id.String()))
}

func (db *DB) CountLikes(ctx context.Context, objectURL string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountObjectLikes, objectURL).Scan(&n)
	return n, err
}

func (db *DB) ReadLikesByObject(ctx context.Context, objectURL string) ([]domain.Like, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectObjectLikes, objectURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var likes []domain.Like
	for rows.Next() {
		like, err := scanLikeRow(rows)
		if err != nil {
			return likes, err
		}
		likes = append(likes, *like)
	}
	return likes, rows.Err()
}

func scanLikeRow(s scanner) (*domain.Like, error) {
	var like domain.Like
	var kind string
	if err := s.Scan(&like.Id, &like.URL, &like.AuthorURL, &like.ObjectURL, &kind, &like.CreatedAt); err != nil {
		return nil, err
	}
	like.ObjectKind = domain.ObjectKind(kind)
	return &like, nil
}

func scanLike(row *sql.Row) (*domain.Like, error) {
	like, err := scanLikeRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return like, err
}
