// Package dashstore provides a queryable, read-optimized mirror of review
// history for the dashboard API (spec §11). It is fed from AuditLogger
// events and is never the system of record — state.json remains that
// (spec §4.1).
package dashstore

import (
	"database/sql/driver"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
	"github.com/reviewbot/reviewbot/pkg/idgen"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

// Fields stores an audit event's free-form field map as a JSON column.
type Fields map[string]string

func (f Fields) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	data, err := json.Marshal(f)
	return string(data), err
}

func (f *Fields) Scan(value interface{}) error {
	if value == nil {
		*f = make(Fields)
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	return json.Unmarshal(data, f)
}

// EventRow mirrors one audit.Event as a queryable SQLite row.
type EventRow struct {
	ID     string `gorm:"primarykey;size:20" json:"id"`
	Time   int64  `gorm:"index" json:"time"` // unix seconds
	Type   string `gorm:"size:64;index" json:"type"`
	Key    string `gorm:"size:128;index" json:"key"`
	Fields Fields `gorm:"type:text" json:"fields,omitempty"`
}

func (EventRow) TableName() string { return "audit_events" }

// Store is the GORM/SQLite-backed mirror. It implements audit.Sink so it
// can be registered as a fan-out target alongside the audit log file.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open opens (creating if necessary) the dashboard mirror database at
// path and runs auto-migration.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = logger.Get()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDBQuery, "creating dashstore directory", err, apperrors.KindPermanent)
	}

	gormLog := gormlogger.Default.LogMode(gormlogger.Silent)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDBQuery, "opening dashstore database", err, apperrors.KindPermanent)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDBQuery, "accessing dashstore sql.DB", err, apperrors.KindPermanent)
	}
	// Single connection: SQLite serializes writes anyway, and this mirror
	// sees at most one writer (the audit fan-out) per process.
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
		log.Warn("failed to enable WAL mode for dashstore", zap.Error(err))
	}

	if err := db.AutoMigrate(&EventRow{}); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDBQuery, "migrating dashstore schema", err, apperrors.KindPermanent)
	}

	return &Store{db: db, log: log}, nil
}

// Emit implements audit.Sink: it mirrors one audit event into the
// database. Best-effort — a write failure is logged, never returned, so a
// dashstore outage can't block the audit log's own durability.
func (s *Store) Emit(eventType, key string, fields map[string]string) {
	row := EventRow{
		ID:     idgen.NewEventID(),
		Time:   time.Now().Unix(),
		Type:   eventType,
		Key:    key,
		Fields: Fields(fields),
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.log.Warn("dashstore mirror write failed", zap.Error(err), zap.String("type", eventType))
	}
}

// Recent returns up to limit most recent events, optionally filtered by
// type and/or key, newest first.
func (s *Store) Recent(limit int, eventType, key string) ([]EventRow, error) {
	q := s.db.Order("time desc, id desc")
	if eventType != "" {
		q = q.Where("type = ?", eventType)
	}
	if key != "" {
		q = q.Where("key = ?", key)
	}
	if limit <= 0 {
		limit = 100
	}

	var rows []EventRow
	if err := q.Limit(limit).Find(&rows).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDBQuery, "querying recent audit events", err, apperrors.KindTransient)
	}
	return rows, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
