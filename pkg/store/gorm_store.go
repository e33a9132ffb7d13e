package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"openreader/pkg/domain"
)

const (
	migrateLockID    int64 = 73217322
	migrationStateID       = "default"
	sqliteDSNPrefix        = "sqlite:"
)

// GormStore implements Store using GORM. Postgres is the production
// database; "sqlite:<path>" DSNs serve single-node installs and tests.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database dsn required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{Logger: gormLog}

	if path, ok := strings.CutPrefix(dsn, sqliteDSNPrefix); ok {
		db, err := gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite db: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		// One writer avoids SQLITE_BUSY under concurrent ensure-ready calls.
		sqlDB.SetMaxOpenConns(1)
		if err := autoMigrate(db); err != nil {
			return nil, err
		}
		return &GormStore{db: db}, nil
	}

	db, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, autoMigrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func autoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&DocumentModel{}, &AudiobookModel{}, &ChapterModel{}, &MigrationStateModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveDocument registers or updates a document row.
func (s *GormStore) SaveDocument(d domain.Document) error {
	model := documentToModel(d)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "type", "size", "page_count", "last_modified", "backend", "file_path", "updated_at"}),
	}).Create(&model).Error
}

// GetDocument returns one document row.
func (s *GormStore) GetDocument(id, ownerID string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.First(&model, "id = ? AND owner_id = ?", id, ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ListDocumentsByOwner returns an owner's documents ordered by name.
func (s *GormStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	return s.listDocuments("owner_id = ?", ownerID)
}

// ListDocumentsByID returns every owner's row for a content hash.
func (s *GormStore) ListDocumentsByID(id string) ([]domain.Document, error) {
	return s.listDocuments("id = ?", id)
}

func (s *GormStore) listDocuments(query string, args ...any) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.Where(query, args...).Order("name ASC").Order("owner_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// DeleteDocument removes one document row.
func (s *GormStore) DeleteDocument(id, ownerID string) error {
	return s.db.Delete(&DocumentModel{}, "id = ? AND owner_id = ?", id, ownerID).Error
}

// ReassignDocument moves a document row to another owner.
func (s *GormStore) ReassignDocument(id, fromOwnerID, toOwnerID string) (bool, error) {
	discarded := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var src DocumentModel
		if err := tx.First(&src, "id = ? AND owner_id = ?", id, fromOwnerID).Error; err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&DocumentModel{}).Where("id = ? AND owner_id = ?", id, toOwnerID).Count(&count).Error; err != nil {
			return err
		}
		if err := tx.Delete(&DocumentModel{}, "id = ? AND owner_id = ?", id, fromOwnerID).Error; err != nil {
			return err
		}
		if count > 0 {
			discarded = true
			return nil
		}
		src.OwnerID = toOwnerID
		src.UpdatedAt = time.Now().UTC()
		return tx.Create(&src).Error
	})
	if err != nil {
		return false, err
	}
	return discarded, nil
}

// SaveAudiobook stores or updates a book row, keeping its creation time.
func (s *GormStore) SaveAudiobook(b domain.Audiobook) error {
	model := audiobookToModel(b)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}, {Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "settings", "updated_at"}),
	}).Create(&model).Error
}

// GetAudiobook retrieves a book row.
func (s *GormStore) GetAudiobook(bookID, ownerID string) (domain.Audiobook, bool, error) {
	var model AudiobookModel
	if err := s.db.First(&model, "book_id = ? AND owner_id = ?", bookID, ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Audiobook{}, false, nil
		}
		return domain.Audiobook{}, false, err
	}
	return audiobookFromModel(model), true, nil
}

// ListAudiobooksByOwner returns an owner's books ordered by created_at.
func (s *GormStore) ListAudiobooksByOwner(ownerID string) ([]domain.Audiobook, error) {
	var models []AudiobookModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at ASC").Order("book_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Audiobook, 0, len(models))
	for _, m := range models {
		res = append(res, audiobookFromModel(m))
	}
	return res, nil
}

// DeleteAudiobook removes a book and its chapters.
func (s *GormStore) DeleteAudiobook(bookID, ownerID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChapterModel{}, "book_id = ? AND owner_id = ?", bookID, ownerID).Error; err != nil {
			return err
		}
		return tx.Delete(&AudiobookModel{}, "book_id = ? AND owner_id = ?", bookID, ownerID).Error
	})
}

// ReplaceAudiobookOwner swaps the owner key of a book and its chapters.
func (s *GormStore) ReplaceAudiobookOwner(fromOwnerID string, book domain.Audiobook, chapters []domain.Chapter) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChapterModel{}, "book_id = ? AND owner_id = ?", book.BookID, fromOwnerID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&AudiobookModel{}, "book_id = ? AND owner_id = ?", book.BookID, fromOwnerID).Error; err != nil {
			return err
		}
		bookModel := audiobookToModel(book)
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&bookModel).Error; err != nil {
			return err
		}
		for _, ch := range chapters {
			model := chapterToModel(ch)
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveChapter stores or replaces a chapter row.
func (s *GormStore) SaveChapter(c domain.Chapter) error {
	model := chapterToModel(c)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}, {Name: "owner_id"}, {Name: "chapter_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "format", "duration_sec", "backend", "file_path"}),
	}).Create(&model).Error
}

// ListChapters returns a book's chapters ordered by index.
func (s *GormStore) ListChapters(bookID, ownerID string) ([]domain.Chapter, error) {
	var models []ChapterModel
	if err := s.db.Where("book_id = ? AND owner_id = ?", bookID, ownerID).Order("chapter_index ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Chapter, 0, len(models))
	for _, m := range models {
		res = append(res, chapterFromModel(m))
	}
	return res, nil
}

// DeleteChapters removes chapter rows by index.
func (s *GormStore) DeleteChapters(bookID, ownerID string, indices []int) (int, error) {
	if len(indices) == 0 {
		return 0, nil
	}
	res := s.db.Delete(&ChapterModel{}, "book_id = ? AND owner_id = ? AND chapter_index IN ?", bookID, ownerID, indices)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// GetMigrationState returns the migration record, zero-valued when absent.
func (s *GormStore) GetMigrationState() (domain.MigrationState, error) {
	var model MigrationStateModel
	if err := s.db.First(&model, "id = ?", migrationStateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.MigrationState{}, nil
		}
		return domain.MigrationState{}, err
	}
	return domain.MigrationState{
		DocumentsV1Migrated:  model.DocumentsV1Migrated,
		AudiobooksV1Migrated: model.AudiobooksV1Migrated,
		UpdatedAt:            model.UpdatedAt,
	}, nil
}

// SaveMigrationState writes the record (last write wins).
func (s *GormStore) SaveMigrationState(state domain.MigrationState) error {
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	model := MigrationStateModel{
		ID:                   migrationStateID,
		DocumentsV1Migrated:  state.DocumentsV1Migrated,
		AudiobooksV1Migrated: state.AudiobooksV1Migrated,
		UpdatedAt:            updatedAt,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"documents_v1_migrated", "audiobooks_v1_migrated", "updated_at"}),
	}).Create(&model).Error
}

func documentToModel(d domain.Document) DocumentModel {
	now := time.Now().UTC()
	return DocumentModel{
		ID:           d.ID,
		OwnerID:      d.OwnerID,
		Name:         d.Name,
		Type:         d.Type,
		Size:         d.Size,
		PageCount:    d.PageCount,
		LastModified: d.LastModified.UTC(),
		Backend:      backendOrDefault(d.Backend),
		FilePath:     d.FilePath,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Name:         m.Name,
		Type:         m.Type,
		Size:         m.Size,
		PageCount:    m.PageCount,
		LastModified: m.LastModified,
		Backend:      m.Backend,
		FilePath:     m.FilePath,
	}
}

func audiobookToModel(b domain.Audiobook) AudiobookModel {
	now := time.Now().UTC()
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := b.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	var settings datatypes.JSON
	if len(b.Settings) > 0 {
		settings = datatypes.JSON(b.Settings)
	}
	return AudiobookModel{
		BookID:    b.BookID,
		OwnerID:   b.OwnerID,
		Title:     b.Title,
		Settings:  settings,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func audiobookFromModel(m AudiobookModel) domain.Audiobook {
	var settings json.RawMessage
	if len(m.Settings) > 0 {
		settings = json.RawMessage(m.Settings)
	}
	return domain.Audiobook{
		BookID:    m.BookID,
		OwnerID:   m.OwnerID,
		Title:     m.Title,
		Settings:  settings,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func chapterToModel(c domain.Chapter) ChapterModel {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return ChapterModel{
		BookID:       c.BookID,
		OwnerID:      c.OwnerID,
		ChapterIndex: c.Index,
		Title:        c.Title,
		Format:       string(c.Format),
		DurationSec:  c.DurationSec,
		Backend:      backendOrDefault(c.Backend),
		FilePath:     c.FilePath,
		CreatedAt:    createdAt,
	}
}

func chapterFromModel(m ChapterModel) domain.Chapter {
	return domain.Chapter{
		BookID:      m.BookID,
		OwnerID:     m.OwnerID,
		Index:       m.ChapterIndex,
		Title:       m.Title,
		Format:      domain.ChapterFormat(m.Format),
		DurationSec: m.DurationSec,
		Backend:     m.Backend,
		FilePath:    m.FilePath,
		CreatedAt:   m.CreatedAt,
	}
}

func backendOrDefault(kind string) string {
	if kind == "" {
		return domain.BackendLocal
	}
	return kind
}
