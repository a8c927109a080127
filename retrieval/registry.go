package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DocumentRecord is the registry row for an indexed document. It carries the
// identity needed for idempotency checks; chunk text lives in the vector
// store, not here.
type DocumentRecord struct {
	ID          string    `gorm:"primaryKey;size:64"`
	UserID      string    `gorm:"size:128;index:idx_doc_scope;not null"`
	ThreadID    string    `gorm:"size:128;index:idx_doc_scope"`
	Filename    string    `gorm:"size:512"`
	ContentHash string    `gorm:"size:64;index:idx_doc_hash;not null"`
	ChunkCount  int       `gorm:"not null"`
	Strategy    string    `gorm:"size:32"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName keeps the table name stable across GORM naming strategies.
func (DocumentRecord) TableName() string {
	return "documents"
}

// DocumentRegistry records which documents are indexed per scope. The
// indexer consults it before embedding so re-indexing unchanged content is a
// no-op.
type DocumentRegistry interface {
	// Lookup returns the record for the content hash in the scope, if any.
	Lookup(ctx context.Context, scope Scope, contentHash string) (*DocumentRecord, error)

	// Save inserts or replaces the record.
	Save(ctx context.Context, rec *DocumentRecord) error

	// List returns all records in the scope, newest first.
	List(ctx context.Context, scope Scope) ([]DocumentRecord, error)

	// DeleteDocument removes one record.
	DeleteDocument(ctx context.Context, scope Scope, documentID string) error

	// DeleteScope removes every record in the scope and returns how many
	// were deleted.
	DeleteScope(ctx context.Context, scope Scope) (int, error)
}

// SQLRegistry is the GORM-backed DocumentRegistry. It uses SQLite by default
// but accepts any *gorm.DB.
type SQLRegistry struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteRegistry opens (or creates) a SQLite registry at path. Use
// ":memory:" for tests.
func NewSQLiteRegistry(path string, logger *zap.Logger) (*SQLRegistry, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite registry: %w", err)
	}
	return NewSQLRegistry(db, logger)
}

// NewSQLRegistry wraps an existing GORM connection and migrates the schema.
func NewSQLRegistry(db *gorm.DB, logger *zap.Logger) (*SQLRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&DocumentRecord{}); err != nil {
		return nil, fmt.Errorf("migrate document registry: %w", err)
	}
	return &SQLRegistry{
		db:     db,
		logger: logger.With(zap.String("component", "document_registry")),
	}, nil
}

func scopedQuery(db *gorm.DB, scope Scope) *gorm.DB {
	return db.Where("user_id = ? AND thread_id = ?", scope.UserID, scope.ThreadID)
}

// Lookup returns the record matching the content hash, or nil when the
// document has never been indexed in this scope.
func (r *SQLRegistry) Lookup(ctx context.Context, scope Scope, contentHash string) (*DocumentRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var rec DocumentRecord
	err := scopedQuery(r.db.WithContext(ctx), scope).
		Where("content_hash = ?", contentHash).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup document: %w", err)
	}
	return &rec, nil
}

// Save upserts the record by primary key.
func (r *SQLRegistry) Save(ctx context.Context, rec *DocumentRecord) error {
	if err := r.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("save document record: %w", err)
	}
	return nil
}

// List returns the scope's records, newest first.
func (r *SQLRegistry) List(ctx context.Context, scope Scope) ([]DocumentRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var recs []DocumentRecord
	err := scopedQuery(r.db.WithContext(ctx), scope).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return recs, nil
}

// DeleteDocument removes one record.
func (r *SQLRegistry) DeleteDocument(ctx context.Context, scope Scope, documentID string) error {
	err := scopedQuery(r.db.WithContext(ctx), scope).
		Where("id = ?", documentID).
		Delete(&DocumentRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete document record: %w", err)
	}
	return nil
}

// DeleteScope removes every record in the scope.
func (r *SQLRegistry) DeleteScope(ctx context.Context, scope Scope) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	res := scopedQuery(r.db.WithContext(ctx), scope).Delete(&DocumentRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete scope records: %w", res.Error)
	}
	r.logger.Info("registry scope deleted",
		zap.String("scope", scope.Key()),
		zap.Int64("documents", res.RowsAffected))
	return int(res.RowsAffected), nil
}
