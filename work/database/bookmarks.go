package database

import (
	"context"
	"fmt"

	"satradio-proxy/work/logger"
)

// SetBookmarks replaces the bookmarked stream references, keeping their order.
// Duplicates and empty references are dropped.
func (db *DB) SetBookmarks(ctx context.Context, streamRefs []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM bookmarks"); err != nil {
		return fmt.Errorf("failed to clear bookmarks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO bookmarks (stream_ref, position) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare bookmark insert: %w", err)
	}
	defer stmt.Close()

	for i, ref := range streamRefs {
		if ref == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, ref, i); err != nil {
			return fmt.Errorf("failed to save bookmark %s: %w", ref, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bookmarks: %w", err)
	}

	logger.Debug("{database/bookmarks - SetBookmarks} saved %d bookmarks", len(streamRefs))
	return nil
}

// Bookmarks returns the bookmarked stream references in the order they were saved
func (db *DB) Bookmarks(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT stream_ref FROM bookmarks ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("failed to load bookmarks: %w", err)
	}
	defer rows.Close()

	refs := []string{}
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("failed to read bookmark: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
