package refoldbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
	dbSlowThreshold    = 500 * time.Millisecond
)

// Document is one named durable document. The bot stores each logical
// data set (homework assignments, course config) as a single JSON
// document, written whole on every mutation: volumes are tens to low
// hundreds of records, never high-frequency.
type Document struct {
	Name      string `gorm:"primaryKey" json:"name"`
	Data      string `json:"data"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

// DocumentBackup is a timestamped copy of a Document's previous state,
// written before each save so an accidental corruption can be recovered
// by hand.
type DocumentBackup struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Name      string `gorm:"index" json:"name"`
	Data      string `json:"data"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

// DocumentStore loads and saves named structured documents with
// read-modify-write semantics. A failed write is always reported,
// never silently lost.
type DocumentStore interface {
	// Load returns the current document payload, or nil if the document
	// doesn't exist yet.
	Load(ctx context.Context, name string) ([]byte, error)

	// Save replaces the document payload, backing up the prior state
	// first.
	Save(ctx context.Context, name string, data []byte) error
}

// gormDocumentStore implements DocumentStore on a GORM connection.
// Writes for the same logical store are serialized by the mutex to
// avoid read-modify-write races between near-simultaneous mutations.
type gormDocumentStore struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// NewDocumentStore returns a DocumentStore backed by the given GORM
// connection.
func NewDocumentStore(db *gorm.DB, logger *slog.Logger) DocumentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &gormDocumentStore{
		db:     db,
		logger: logger.With(loggerNameKey, "document_store"),
	}
}

func (s *gormDocumentStore) Load(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var doc Document
	err := s.db.WithContext(ctx).First(&doc, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(
			ErrorKindPersistence,
			fmt.Sprintf("failed to load document %q", name),
			err,
		)
	}
	return []byte(doc.Data), nil
}

func (s *gormDocumentStore) Save(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			var existing Document
			findErr := tx.First(&existing, "name = ?", name).Error
			switch {
			case findErr == nil:
				backup := DocumentBackup{Name: name, Data: existing.Data}
				if backupErr := tx.Create(&backup).Error; backupErr != nil {
					return backupErr
				}
			case errors.Is(findErr, gorm.ErrRecordNotFound):
				//
			default:
				return findErr
			}
			doc := Document{Name: name, Data: string(data)}
			return tx.Save(&doc).Error
		},
	)
	if err != nil {
		s.logger.ErrorContext(
			ctx,
			"failed to save document",
			"name", name,
			tint.Err(err),
		)
		return wrapError(
			ErrorKindPersistence,
			fmt.Sprintf("failed to save document %q", name),
			err,
		)
	}
	return nil
}

type gormStructuredLogger struct {
	logger        *slog.Logger
	SlowThreshold time.Duration
}

func newGORMLogger(handler slog.Handler, slowThreshold time.Duration) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		SlowThreshold: slowThreshold,
	}
}

func (g gormStructuredLogger) LogMode(_ gormlogger.LogLevel) gormlogger.Interface {
	return g
}

func (g gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		s, rowsAffected := fc()
		g.logger.ErrorContext(
			ctx,
			"sql error",
			tint.Err(err),
			"elapsed", elapsed,
			"rows", rowsAffected,
			"sql", s,
		)
	case g.SlowThreshold > 0 && elapsed > g.SlowThreshold:
		s, rowsAffected := fc()
		g.logger.WarnContext(
			ctx,
			"slow sql",
			"elapsed", elapsed,
			"threshold", g.SlowThreshold,
			"rows", rowsAffected,
			"sql", s,
		)
	default:
		g.logger.DebugContext(ctx, "sql", "elapsed", elapsed)
	}
}

// CreateDB initializes the database connection and runs migrations for
// the document tables.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(slog.LevelWarn)
	gormLogger := newGORMLogger(handler, dbSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if err = db.WithContext(ctx).AutoMigrate(
		&Document{},
		&DocumentBackup{},
	); err != nil {
		return db, fmt.Errorf("error migrating document tables: %w", err)
	}

	if databaseType == dbTypeSQLite {
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return db, dbErr
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		for _, pragma := range sqliteExecPragma {
			if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
				return db, fmt.Errorf("error executing %q: %w", pragma, err)
			}
		}
	}

	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
