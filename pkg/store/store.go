package store

import (
	"openreader/pkg/domain"
)

// Store defines persistence operations for documents, audiobooks, chapters
// and the migration state record. Rows are a cache of what storage holds.
type Store interface {
	// documents
	SaveDocument(domain.Document) error
	GetDocument(id, ownerID string) (domain.Document, bool, error)
	ListDocumentsByOwner(ownerID string) ([]domain.Document, error)
	ListDocumentsByID(id string) ([]domain.Document, error)
	DeleteDocument(id, ownerID string) error
	// ReassignDocument rewrites the owner of (id, fromOwnerID). When the
	// destination owner already has the row, the source row is discarded and
	// discarded is true.
	ReassignDocument(id, fromOwnerID, toOwnerID string) (discarded bool, err error)

	// audiobooks
	SaveAudiobook(domain.Audiobook) error
	GetAudiobook(bookID, ownerID string) (domain.Audiobook, bool, error)
	ListAudiobooksByOwner(ownerID string) ([]domain.Audiobook, error)
	// DeleteAudiobook removes the book row and all of its chapter rows.
	DeleteAudiobook(bookID, ownerID string) error
	// ReplaceAudiobookOwner deletes every row keyed (book.BookID, fromOwnerID)
	// and inserts book and chapters (already carrying the new owner) in one
	// transaction. Rows that already exist under the new owner are kept.
	ReplaceAudiobookOwner(fromOwnerID string, book domain.Audiobook, chapters []domain.Chapter) error

	// chapters
	SaveChapter(domain.Chapter) error
	ListChapters(bookID, ownerID string) ([]domain.Chapter, error)
	// DeleteChapters removes the given chapter indices and returns how many rows went away.
	DeleteChapters(bookID, ownerID string, indices []int) (int, error)

	// migration state
	GetMigrationState() (domain.MigrationState, error)
	SaveMigrationState(domain.MigrationState) error
}
