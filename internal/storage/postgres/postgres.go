// Package postgres implements the change-audit store using PostgreSQL via
// GORM over the pgx driver. Intended for deployments where the audit log
// is shared across town instances; SQLite remains the single-node default.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ElizenDevVini/eliza-town-sub000/internal/storage"
)

// Config holds PostgreSQL-specific configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25.
	MaxIdleConns    int           // Default: 5.
	ConnMaxLifetime time.Duration // Default: 30 min.
}

// Store implements storage.ChangeStore backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

type changeModel struct {
	ID         uuid.UUID `gorm:"primaryKey;type:uuid"`
	Scope      string    `gorm:"index:idx_changes_scope_created,priority:1;not null"`
	ChangeType string    `gorm:"not null"`
	Filepath   string    `gorm:"not null"`
	Actor      string
	SizeBytes  int64
	CreatedAt  time.Time `gorm:"index:idx_changes_scope_created,priority:2;not null"`
}

func (changeModel) TableName() string { return "file_changes" }

// Open connects to PostgreSQL and ensures the schema exists.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := gorm.Open(gormpg.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrapping sql.DB: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)

	if err := db.AutoMigrate(&changeModel{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	slogger.Info("change audit store ready", slog.String("driver", "postgres"))

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
		ID:         rec.ID,
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

	recs := make([]storage.ChangeRecord, len(models))
	for i, m := range models {
		recs[len(models)-1-i] = storage.ChangeRecord{
			ID:         m.ID,
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

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
