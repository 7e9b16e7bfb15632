package db

import (
	"context"
	"database/sql"
	"log"
)

// SQL for the federation tables
const (
	sqlCreateNodesTable = `CREATE TABLE IF NOT EXISTS nodes (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		host TEXT UNIQUE NOT NULL,
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// node_id is NULL for local authors
	sqlCreateAuthorsTable = `CREATE TABLE IF NOT EXISTS authors (
		id TEXT NOT NULL PRIMARY KEY,
		url TEXT UNIQUE NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		github TEXT NOT NULL DEFAULT '',
		profile_image TEXT NOT NULL DEFAULT '',
		web TEXT NOT NULL DEFAULT '',
		node_id TEXT REFERENCES nodes(id),
		is_approved INTEGER NOT NULL DEFAULT 1,
		last_fetched_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateAuthorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_authors_node_id ON authors(node_id);
	`

	// author_url is a reference by URL, not a foreign key: the author may
	// only exist on another node
	sqlCreateEntriesTable = `CREATE TABLE IF NOT EXISTS entries (
		id TEXT NOT NULL PRIMARY KEY,
		url TEXT UNIQUE NOT NULL,
		author_url TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT 'text/plain',
		visibility TEXT NOT NULL DEFAULT 'public',
		published_at TIMESTAMP,
		updated_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateEntriesIndices = `
		CREATE INDEX IF NOT EXISTS idx_entries_author_url ON entries(author_url);
		CREATE INDEX IF NOT EXISTS idx_entries_published_at ON entries(published_at DESC);
	`

	sqlCreateCommentsTable = `CREATE TABLE IF NOT EXISTS comments (
		id TEXT NOT NULL PRIMARY KEY,
		url TEXT UNIQUE NOT NULL,
		author_url TEXT NOT NULL,
		entry_url TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT 'text/plain',
		published_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateCommentsIndices = `
		CREATE INDEX IF NOT EXISTS idx_comments_entry_url ON comments(entry_url);
	`

	sqlCreateLikesTable = `CREATE TABLE IF NOT EXISTS likes (
		id TEXT NOT NULL PRIMARY KEY,
		url TEXT NOT NULL,
		author_url TEXT NOT NULL,
		object_url TEXT NOT NULL,
		object_kind TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(author_url, object_url)
	)`

	sqlCreateLikesIndices = `
		CREATE INDEX IF NOT EXISTS idx_likes_object_url ON likes(object_url);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_url TEXT NOT NULL,
		followed_url TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(follower_url, followed_url)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_followed_url ON follows(followed_url);
	`

	sqlCreateFriendshipsTable = `CREATE TABLE IF NOT EXISTS friendships (
		id TEXT NOT NULL PRIMARY KEY,
		author_a TEXT NOT NULL,
		author_b TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(author_a, author_b)
	)`

	sqlCreateFriendshipsIndices = `
		CREATE INDEX IF NOT EXISTS idx_friendships_author_b ON friendships(author_b);
	`

	// the unique key is the inbox dedup key
	sqlCreateInboxItemsTable = `CREATE TABLE IF NOT EXISTS inbox_items (
		id TEXT NOT NULL PRIMARY KEY,
		recipient_url TEXT NOT NULL,
		kind TEXT NOT NULL,
		object_kind TEXT NOT NULL,
		object_id TEXT NOT NULL,
		object_url TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		is_read INTEGER NOT NULL DEFAULT 0,
		received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(recipient_url, kind, object_kind, object_id)
	)`

	sqlCreateInboxItemsIndices = `
		CREATE INDEX IF NOT EXISTS idx_inbox_items_recipient ON inbox_items(recipient_url, received_at DESC);
	`

	sqlCreateDeliveryRecordsTable = `CREATE TABLE IF NOT EXISTS delivery_records (
		id TEXT NOT NULL PRIMARY KEY,
		entry_url TEXT NOT NULL,
		node_id TEXT NOT NULL REFERENCES nodes(id),
		recipient_url TEXT NOT NULL DEFAULT '',
		delivered_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(entry_url, node_id, recipient_url)
	)`

	sqlCreateSyncRunsTable = `CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT NOT NULL PRIMARY KEY,
		node_id TEXT NOT NULL REFERENCES nodes(id),
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		authors_created INTEGER NOT NULL DEFAULT 0,
		authors_updated INTEGER NOT NULL DEFAULT 0,
		entries_created INTEGER NOT NULL DEFAULT 0,
		entries_updated INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	)`

	sqlCreateSyncRunsIndices = `
		CREATE INDEX IF NOT EXISTS idx_sync_runs_node_id ON sync_runs(node_id, started_at DESC);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(context.Background(), func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"nodes", sqlCreateNodesTable},
			{"authors", sqlCreateAuthorsTable},
			{"entries", sqlCreateEntriesTable},
			{"comments", sqlCreateCommentsTable},
			{"likes", sqlCreateLikesTable},
			{"follows", sqlCreateFollowsTable},
			{"friendships", sqlCreateFriendshipsTable},
			{"inbox_items", sqlCreateInboxItemsTable},
			{"delivery_records", sqlCreateDeliveryRecordsTable},
			{"sync_runs", sqlCreateSyncRunsTable},
		}
		for _, table := range tables {
			if err := db.createTableIfNotExists(tx, table.sql, table.name); err != nil {
				return err
			}
		}

		indices := []string{
			sqlCreateAuthorsIndices,
			sqlCreateEntriesIndices,
			sqlCreateCommentsIndices,
			sqlCreateLikesIndices,
			sqlCreateFollowsIndices,
			sqlCreateFriendshipsIndices,
			sqlCreateInboxItemsIndices,
			sqlCreateSyncRunsIndices,
		}
		for _, idx := range indices {
			if _, err := tx.Exec(idx); err != nil {
				log.Printf("Warning: Failed to create indices: %v", err)
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		log.Printf("Failed to create table %s: %v", tableName, err)
		return err
	}
	return nil
}
