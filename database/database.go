package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaliph/wa-relay/models"
	"github.com/jaliph/wa-relay/utils"
)

// Database is the local delivery journal. Every relayed message leaves one row
// with its outcome; the optional MSSQL archive receives a copy.
type Database struct {
	db     *sql.DB
	gormDB *GormDB
}

// NewDatabase opens the journal at path. gormDB may be nil.
func NewDatabase(path string, gormDB *GormDB) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	database := &Database{db: db, gormDB: gormDB}
	if err := database.init(); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

func (d *Database) init() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS deliveries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			http_status INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create deliveries table: %w", err)
	}

	_, err = d.db.Exec("CREATE INDEX IF NOT EXISTS idx_deliveries_created ON deliveries (created_at)")
	if err != nil {
		return fmt.Errorf("failed to create deliveries index: %w", err)
	}

	utils.Logger.Info("Delivery journal initialized", "component", "database")
	return nil
}

// RecordDelivery stores one delivery outcome and mirrors it to the archive.
// Archive failures are logged, never returned.
func (d *Database) RecordDelivery(ctx context.Context, delivery *models.Delivery) error {
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now()
	}
	if delivery.Timestamp.IsZero() {
		delivery.Timestamp = delivery.CreatedAt
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO deliveries (message_id, sender, phone, kind, text, mime_type, status, http_status, error, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, delivery.MessageID, delivery.Sender, delivery.Phone, delivery.Kind, delivery.Text, delivery.MimeType,
		delivery.Status, delivery.HTTPStatus, delivery.Error,
		delivery.Timestamp.UnixNano(), delivery.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		delivery.ID = uint(id)
	}

	if d.gormDB != nil {
		archived := *delivery
		archived.ID = 0
		if err := d.gormDB.StoreDelivery(ctx, &archived); err != nil {
			utils.Logger.Warn("Failed to archive delivery", "component", "database", "message_id", delivery.MessageID, "error", err)
		}
	}
	return nil
}

// RecentDeliveries returns up to limit deliveries, newest first
func (d *Database) RecentDeliveries(ctx context.Context, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, message_id, sender, phone, kind, text, mime_type, status, http_status, error, timestamp, created_at
		FROM deliveries ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []models.Delivery{}
	for rows.Next() {
		var (
			dl                 models.Delivery
			id                 int64
			timestamp, created int64
		)
		err := rows.Scan(&id, &dl.MessageID, &dl.Sender, &dl.Phone, &dl.Kind, &dl.Text, &dl.MimeType,
			&dl.Status, &dl.HTTPStatus, &dl.Error, &timestamp, &created)
		if err != nil {
			utils.Logger.Warn("Failed to scan delivery", "component", "database", "error", err)
			continue
		}
		dl.ID = uint(id)
		dl.Timestamp = time.Unix(0, timestamp)
		dl.CreatedAt = time.Unix(0, created)
		deliveries = append(deliveries, dl)
	}
	return deliveries, rows.Err()
}

// Stats counts deliveries by outcome
func (d *Database) Stats(ctx context.Context) (*models.DeliveryStats, error) {
	var stats models.DeliveryStats

	rows, err := d.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM deliveries GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan delivery count: %w", err)
		}
		stats.Total += count
		switch status {
		case models.DeliveryDelivered:
			stats.Delivered = count
		case models.DeliveryFailed:
			stats.Failed = count
		case models.DeliveryMediaLost:
			stats.MediaLost = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	err = d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM deliveries WHERE status = ? AND created_at >= ?",
		models.DeliveryDelivered, today.UnixNano(),
	).Scan(&stats.DeliveredToday)
	if err != nil {
		return nil, fmt.Errorf("failed to count today's deliveries: %w", err)
	}

	return &stats, nil
}

// ArchiveStats counts the deliveries held by the MSSQL archive. It returns
// nil stats when no archive is configured.
func (d *Database) ArchiveStats(ctx context.Context) (*models.DeliveryStats, error) {
	if d.gormDB == nil {
		return nil, nil
	}
	return d.gormDB.GetDeliveryStats(ctx)
}

// Close closes the journal and the archive
func (d *Database) Close() error {
	if d.gormDB != nil {
		if err := d.gormDB.Close(); err != nil {
			utils.Logger.Warn("Failed to close archive", "component", "database", "error", err)
		}
	}
	return d.db.Close()
}
