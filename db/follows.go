package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/deemkeen/federa/domain"
	"github.com/google/uuid"
)

// Follow and friendship queries
const (
	sqlSelectFollowFields = `SELECT id, follower_url, followed_url, status, created_at, updated_at FROM follows`
	sqlSelectFollowByPair = sqlSelectFollowFields + ` WHERE follower_url = ? AND followed_url = ?`
	sqlSelectFollowById   = sqlSelectFollowFields + ` WHERE id = ?`
	sqlSelectFollowers    = sqlSelectFollowFields + ` WHERE followed_url = ? AND status = ? ORDER BY created_at ASC`
	sqlSelectFollowing    = sqlSelectFollowFields + ` WHERE follower_url = ? ORDER BY created_at ASC`
	sqlInsertFollow       = `INSERT INTO follows(id, follower_url, followed_url, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlUpdateFollowStatus = `UPDATE follows SET status = ?, updated_at = ? WHERE id = ?`

	sqlSelectFriendshipFields = `SELECT id, author_a, author_b, created_at FROM friendships`
	sqlSelectFriendship       = sqlSelectFriendshipFields + ` WHERE author_a = ? AND author_b = ?`
	sqlSelectFriendships      = sqlSelectFriendshipFields + ` WHERE author_a = ? OR author_b = ? ORDER BY created_at ASC`
	sqlInsertFriendship       = `INSERT INTO friendships(id, author_a, author_b, created_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlDeleteFriendship       = `DELETE FROM friendships WHERE author_a = ? AND author_b = ?`
)

// GetOrCreateFollow returns the follow for the pair, creating it with the
// given status when none exists. An existing follow keeps its status.
func (db *DB) GetOrCreateFollow(ctx context.Context, followerURL, followedURL string, status domain.FollowStatus) (*domain.Follow, bool, error) {
	var stored *domain.Follow
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		t := now()
		res, err := tx.ExecContext(ctx, sqlInsertFollow, uuid.New().String(), followerURL, followedURL, string(status), t, t)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n == 1
		stored, err = scanFollow(tx.QueryRowContext(ctx, sqlSelectFollowByPair, followerURL, followedURL))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (db *DB) ReadFollow(ctx context.Context, followerURL, followedURL string) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByPair, followerURL, followedURL))
}

func (db *DB) ReadFollowById(ctx context.Context, id uuid.UUID) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowById, id.String()))
}

// UpdateFollowStatus moves a follow to status and reports whether anything changed.
func (db *DB) UpdateFollowStatus(ctx context.Context, id uuid.UUID, status domain.FollowStatus) (*domain.Follow, bool, error) {
	var stored *domain.Follow
	var changed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		current, err := scanFollow(tx.QueryRowContext(ctx, sqlSelectFollowById, id.String()))
		if err != nil {
			return err
		}
		changed = current.Status != status
		if !changed {
			stored = current
			return nil
		}
		if _, err := tx.ExecContext(ctx, sqlUpdateFollowStatus, string(status), now(), id.String()); err != nil {
			return err
		}
		stored, err = scanFollow(tx.QueryRowContext(ctx, sqlSelectFollowById, id.String()))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, changed, nil
}

// ReadFollowers returns follows pointing at followedURL with the given status
func (db *DB) ReadFollowers(ctx context.Context, followedURL string, status domain.FollowStatus) ([]domain.Follow, error) {
	return db.queryFollows(ctx, sqlSelectFollowers, followedURL, string(status))
}

func (db *DB) ReadFollowing(ctx context.Context, followerURL string) ([]domain.Follow, error) {
	return db.queryFollows(ctx, sqlSelectFollowing, followerURL)
}

func (db *DB) queryFollows(ctx context.Context, query string, args ...any) ([]domain.Follow, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		follow, err := scanFollowRow(rows)
		if err != nil {
			return follows, err
		}
		follows = append(follows, *follow)
	}
	return follows, rows.Err()
}

// CreateFriendship stores the undirected pair once
func (db *DB) CreateFriendship(ctx context.Context, a, b string) error {
	a, b = domain.FriendshipPair(a, b)
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertFriendship, uuid.New().String(), a, b, now())
		return err
	})
}

func (db *DB) DeleteFriendship(ctx context.Context, a, b string) error {
	a, b = domain.FriendshipPair(a, b)
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteFriendship, a, b)
		return err
	})
}

func (db *DB) ReadFriendship(ctx context.Context, a, b string) (*domain.Friendship, error) {
	a, b = domain.FriendshipPair(a, b)
	var f domain.Friendship
	err := db.db.QueryRowContext(ctx, sqlSelectFriendship, a, b).Scan(&f.Id, &f.AuthorA, &f.AuthorB, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ReadFriends returns the URLs of every author befriended with authorURL
func (db *DB) ReadFriends(ctx context.Context, authorURL string) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFriendships, authorURL, authorURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []string
	for rows.Next() {
		var f domain.Friendship
		if err := rows.Scan(&f.Id, &f.AuthorA, &f.AuthorB, &f.CreatedAt); err != nil {
			return friends, err
		}
		friends = append(friends, f.Other(authorURL))
	}
	return friends, rows.Err()
}

func scanFollowRow(s scanner) (*domain.Follow, error) {
	var follow domain.Follow
	var status string
	if err := s.Scan(&follow.Id, &follow.FollowerURL, &follow.FollowedURL, &status, &follow.CreatedAt, &follow.UpdatedAt); err != nil {
		return nil, err
	}
	follow.Status = domain.FollowStatus(status)
	return &follow, nil
}

func scanFollow(row *sql.Row) (*domain.Follow, error) {
	follow, err := scanFollowRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return follow, err
}
