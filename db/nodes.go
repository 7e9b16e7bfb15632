package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/deemkeen/federa/domain"
	"github.com/google/uuid"
)

// Node queries
const (
	sqlInsertNode       = `INSERT INTO nodes(id, name, host, username, password, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectNodeFields = `SELECT id, name, host, username, password, is_active, created_at FROM nodes`
	sqlSelectNodeById   = sqlSelectNodeFields + ` WHERE id = ?`
	sqlSelectNodeByHost = sqlSelectNodeFields + ` WHERE host = ?`
	sqlSelectNodeByName = sqlSelectNodeFields + ` WHERE name = ?`
	sqlSelectAllNodes   = sqlSelectNodeFields + ` ORDER BY created_at ASC`
	sqlSelectActive     = sqlSelectNodeFields + ` WHERE is_active = 1 ORDER BY created_at ASC`
	sqlSelectByUsername = sqlSelectNodeFields + ` WHERE username = ? AND is_active = 1`
	sqlUpdateNodeActive = `UPDATE nodes SET is_active = ? WHERE id = ?`
)

// CreateNode stores a new peer. The host must already be normalised.
func (db *DB) CreateNode(ctx context.Context, node *domain.Node) error {
	if node.Id == uuid.Nil {
		node.Id = uuid.New()
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertNode, node.Id.String(), node.Name, node.Host, node.Username, node.Password, node.IsActive, node.CreatedAt)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	})
}

func (db *DB) ReadNodeById(ctx context.Context, id uuid.UUID) (*domain.Node, error) {
	return scanNode(db.db.QueryRowContext(ctx, sqlSelectNodeById, id.String()))
}

func (db *DB) ReadNodeByHost(ctx context.Context, host string) (*domain.Node, error) {
	return scanNode(db.db.QueryRowContext(ctx, sqlSelectNodeByHost, host))
}

func (db *DB) ReadNodeByName(ctx context.Context, name string) (*domain.Node, error) {
	return scanNode(db.db.QueryRowContext(ctx, sqlSelectNodeByName, name))
}

// ReadActiveNodesByUsername returns active nodes using the given basic auth
// username. More than one peer may share a username.
func (db *DB) ReadActiveNodesByUsername(ctx context.Context, username string) ([]domain.Node, error) {
	return db.queryNodes(ctx, sqlSelectByUsername, username)
}

func (db *DB) ReadAllNodes(ctx context.Context) ([]domain.Node, error) {
	return db.queryNodes(ctx, sqlSelectAllNodes)
}

func (db *DB) ReadActiveNodes(ctx context.Context) ([]domain.Node, error) {
	return db.queryNodes(ctx, sqlSelectActive)
}

func (db *DB) SetNodeActive(ctx context.Context, id uuid.UUID, active bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateNodeActive, active, id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (db *DB) queryNodes(ctx context.Context, query string, args ...any) ([]domain.Node, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []domain.Node
	for rows.Next() {
		var node domain.Node
		if err := rows.Scan(&node.Id, &node.Name, &node.Host, &node.Username, &node.Password, &node.IsActive, &node.CreatedAt); err != nil {
			return nodes, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func scanNode(row *sql.Row) (*domain.Node, error) {
	var node domain.Node
	err := row.Scan(&node.Id, &node.Name, &node.Host, &node.Username, &node.Password, &node.IsActive, &node.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}
