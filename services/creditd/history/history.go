// Package history persists committed engine events to SQL so operators can
// audit accounts and liquidations after the fact.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ghostcredit/core/events"
)

// ErrUnknownDriver is returned by Open for drivers other than sqlite and
// postgres.
var ErrUnknownDriver = errors.New("history: unknown driver")

const defaultLimit = 100

// Entry is one stored event.
type Entry struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	Type       string            `gorm:"size:64;index" json:"type"`
	Account    string            `gorm:"size:42;index" json:"account,omitempty"`
	Attributes map[string]string `gorm:"type:text;serializer:json" json:"attributes"`
	CreatedAt  time.Time         `gorm:"index" json:"createdAt"`
}

// TableName pins the table name across drivers.
func (Entry) TableName() string { return "credit_events" }

// Sink is an events.Emitter writing to a gorm database.
type Sink struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the database and migrates the schema.
func Open(driver, dsn string, log *slog.Logger) (*Sink, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", driver, err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sink{db: db, logger: log, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Sink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit stores evt. Failures are logged and never reach the engine.
func (s *Sink) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	rec := events.ToRecord(evt)
	entry := Entry{
		ID:         uuid.New(),
		Type:       rec.Type,
		Account:    rec.Attributes["account"],
		Attributes: rec.Attributes,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.db.Create(&entry).Error; err != nil {
		s.logger.Error("history: store event", "type", rec.Type, "error", err)
	}
}

// Query filters stored events. Zero fields match everything.
type Query struct {
	Type    string
	Account string
	Limit   int
}

// List returns matching events, newest first.
func (s *Sink) List(ctx context.Context, q Query) ([]Entry, error) {
	if s == nil {
		return nil, fmt.Errorf("history not configured")
	}
	limit := q.Limit
	if limit <= 0 || limit > defaultLimit {
		limit = defaultLimit
	}
	tx := s.db.WithContext(ctx).Model(&Entry{})
	if t := strings.TrimSpace(q.Type); t != "" {
		tx = tx.Where("type = ?", t)
	}
	if a := strings.TrimSpace(q.Account); a != "" {
		tx = tx.Where("account = ?", a)
	}
	var out []Entry
	if err := tx.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return out, nil
}
