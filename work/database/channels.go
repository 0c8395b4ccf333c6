package database

import (
	"context"
	"fmt"
	"time"

	"satradio-proxy/work/logger"
	"satradio-proxy/work/types"
)

// SaveChannels replaces the persisted catalog snapshot with channels in one transaction
func (db *DB) SaveChannels(ctx context.Context, channels []types.Channel, updatedAt time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM channels"); err != nil {
		return fmt.Errorf("failed to clear channels: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO channels (number, stream_ref, name, description, image_url)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare channel insert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range channels {
		if _, err := stmt.ExecContext(ctx, ch.Number, ch.StreamRef, ch.Name, ch.Description, ch.ImageURL); err != nil {
			return fmt.Errorf("failed to save channel %d: %w", ch.Number, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO catalog_meta (id, updated_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, updatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record snapshot time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	logger.Debug("{database/channels - SaveChannels} persisted %d channels", len(channels))
	return nil
}

// LoadChannels returns the persisted snapshot ordered by channel number, with the time
// it was taken. An empty database yields no channels and a zero time.
func (db *DB) LoadChannels(ctx context.Context) ([]types.Channel, time.Time, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT number, stream_ref, name, description, image_url
		FROM channels
		ORDER BY number
	`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	var channels []types.Channel
	for rows.Next() {
		var ch types.Channel
		if err := rows.Scan(&ch.Number, &ch.StreamRef, &ch.Name, &ch.Description, &ch.ImageURL); err != nil {
			logger.Warn("{database/channels - LoadChannels} skipping unreadable row: %v", err)
			continue
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read channels: %w", err)
	}

	var millis int64
	err = db.QueryRowContext(ctx, "SELECT updated_at FROM catalog_meta WHERE id = 1").Scan(&millis)
	if err != nil {
		// no snapshot recorded yet
		return channels, time.Time{}, nil
	}

	return channels, time.UnixMilli(millis), nil
}
