// Package sqlite implements the change-audit store using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// GORM driver. WAL mode is enabled by default for concurrent reads.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ElizenDevVini/eliza-town-sub000/internal/storage"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // "wal" by default.
}

// Store implements storage.ChangeStore backed by SQLite.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// changeModel is the GORM table mapping for change records.
type changeModel struct {
	ID         string    `gorm:"primaryKey;type:text"`
	Scope      string    `gorm:"index:idx_changes_scope_created,priority:1;not null"`
	ChangeType string    `gorm:"not null"`
	Filepath   string    `gorm:"not null"`
	Actor      string
	SizeBytes  int64
	CreatedAt  time.Time `gorm:"index:idx_changes_scope_created,priority:2;not null"`
}

func (changeModel) TableName() string { return "file_changes" }

// Open creates a SQLite-backed change store, creating the database file
// and schema if needed.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	journal := cfg.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)", cfg.Path, journal)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	if err := db.AutoMigrate(&changeModel{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	slogger.Info("change audit store ready",
		slog.String("driver", "sqlite"),
		slog.String("path", cfg.Path),
	)

	return &Store{db: db, logger: slogger}, nil
}

// Append persists one change record.
func (s *Store) Append(ctx context.Context, rec *storage.ChangeRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m := changeModel{
		ID:         rec.ID.String(),
		Scope:      rec.Scope,
		ChangeType: rec.ChangeType,
		Filepath:   rec.Filepath,
		Actor:      rec.Actor,
		SizeBytes:  rec.SizeBytes,
		CreatedAt:  rec.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("appending change record: %w", err)
	}
	return nil
}

// Recent returns up to limit records for the scope, newest last.
func (s *Store) Recent(ctx context.Context, scope string, limit int) ([]storage.ChangeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []changeModel
	err := s.db.WithContext(ctx).
		Where("scope = ?", scope).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying change records: %w", err)
	}

	// Reverse to newest-last, matching the in-memory ring buffer order.
	recs := make([]storage.ChangeRecord, len(models))
	for i, m := range models {
		id, _ := uuid.Parse(m.ID)
		recs[len(models)-1-i] = storage.ChangeRecord{
			ID:         id,
			Scope:      m.Scope,
			ChangeType: m.ChangeType,
			Filepath:   m.Filepath,
			Actor:      m.Actor,
			SizeBytes:  m.SizeBytes,
			CreatedAt:  m.CreatedAt,
		}
	}
	return recs, nil
}

// Ping reports database reachability for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
