// Package claim transfers artifacts from one owner to another, typically
// from the unclaimed sentinel to a user who just signed in.
//
// Storage moves first and metadata follows, so an interrupted claim leaves
// files in the new location with stale rows that the pruner or the next
// claim repairs, never rows pointing at nothing.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"openreader/pkg/domain"
	"openreader/pkg/layout"
	"openreader/pkg/storage"
)

var ErrInvalidOwner = errors.New("claim: invalid owner")

// Rows is the subset of the metadata store the claim engine needs.
type Rows interface {
	ListAudiobooksByOwner(ownerID string) ([]domain.Audiobook, error)
	GetAudiobook(bookID, ownerID string) (domain.Audiobook, bool, error)
	ListChapters(bookID, ownerID string) ([]domain.Chapter, error)
	ReplaceAudiobookOwner(fromOwnerID string, book domain.Audiobook, chapters []domain.Chapter) error
	ListDocumentsByOwner(ownerID string) ([]domain.Document, error)
	ReassignDocument(id, fromOwnerID, toOwnerID string) (discarded bool, err error)
}

// Result counts claimed artifacts.
type Result struct {
	Audiobooks int `json:"audiobooks"`
	Documents  int `json:"documents"`
	Failed     int `json:"failed"`
}

type Engine struct {
	rows    Rows
	backend storage.Backend
	keys    layout.Keys
	logger  *slog.Logger
}

func New(rows Rows, backend storage.Backend, keys layout.Keys, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rows: rows, backend: backend, keys: keys, logger: logger.With("component", "claim")}
}

// Claim moves every audiobook and document of fromOwnerID to toOwnerID.
// Per-artifact failures are logged and counted; the error return is for
// invalid input, enumeration failures and cancellation.
func (e *Engine) Claim(ctx context.Context, fromOwnerID, toOwnerID string) (Result, error) {
	var res Result
	if err := validateOwners(fromOwnerID, toOwnerID); err != nil {
		return res, err
	}
	mover, ok := e.backend.(storage.Mover)
	if !ok {
		return res, fmt.Errorf("storage backend %s cannot move prefixes", e.backend.Kind())
	}
	books, err := e.bookIDs(ctx, fromOwnerID)
	if err != nil {
		return res, err
	}
	log := e.logger.With("from_owner_id", fromOwnerID, "to_owner_id", toOwnerID)
	for _, bookID := range books {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.claimBook(ctx, mover, bookID, fromOwnerID, toOwnerID); err != nil {
			res.Failed++
			log.Warn("claim audiobook failed", "book_id", bookID, "err", err)
			continue
		}
		res.Audiobooks++
	}

	docs, err := e.rows.ListDocumentsByOwner(fromOwnerID)
	if err != nil {
		return res, fmt.Errorf("list documents: %w", err)
	}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		discarded, err := e.rows.ReassignDocument(doc.ID, fromOwnerID, toOwnerID)
		if err != nil {
			res.Failed++
			log.Warn("claim document failed", "document_id", doc.ID, "err", err)
			continue
		}
		if discarded {
			log.Info("duplicate document discarded", "document_id", doc.ID)
		}
		res.Documents++
	}
	log.Info("claim finished", "audiobooks", res.Audiobooks, "documents", res.Documents, "failed", res.Failed)
	return res, nil
}

func validateOwners(from, to string) error {
	if err := layout.ValidateID(from); err != nil {
		return fmt.Errorf("%w: from %q", ErrInvalidOwner, from)
	}
	if err := layout.ValidateID(to); err != nil || to == domain.UnclaimedOwnerID {
		return fmt.Errorf("%w: to %q", ErrInvalidOwner, to)
	}
	if from == to {
		return fmt.Errorf("%w: from and to are both %q", ErrInvalidOwner, from)
	}
	return nil
}

// bookIDs returns the union of book rows and book prefixes of an owner.
func (e *Engine) bookIDs(ctx context.Context, ownerID string) ([]string, error) {
	set := make(map[string]bool)
	rows, err := e.rows.ListAudiobooksByOwner(ownerID)
	if err != nil {
		return nil, fmt.Errorf("list audiobooks: %w", err)
	}
	for _, b := range rows {
		set[b.BookID] = true
	}
	keys, err := e.backend.ListObjects(ctx, e.keys.OwnerPrefix(ownerID))
	if err != nil {
		return nil, fmt.Errorf("list owner prefix: %w", err)
	}
	for _, key := range keys {
		if ref, ok := e.keys.ParseAudiobookKey(key); ok && ref.OwnerID == ownerID {
			set[ref.BookID] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) claimBook(ctx context.Context, mover storage.Mover, bookID, from, to string) error {
	fromPrefix := e.keys.BookPrefix(from, bookID)
	toPrefix := e.keys.BookPrefix(to, bookID)
	moved, err := mover.MovePrefix(ctx, fromPrefix, toPrefix)
	if err != nil {
		return fmt.Errorf("move storage: %w", err)
	}
	if moved.Skipped > 0 {
		e.logger.Warn("claim left files whose destination already existed",
			"book_id", bookID, "from_owner_id", from, "to_owner_id", to, "skipped", moved.Skipped)
	}

	book, exists, err := e.rows.GetAudiobook(bookID, from)
	if err != nil {
		return fmt.Errorf("get audiobook row: %w", err)
	}
	if !exists {
		return nil
	}
	chapters, err := e.rows.ListChapters(bookID, from)
	if err != nil {
		return fmt.Errorf("list chapter rows: %w", err)
	}
	book.OwnerID = to
	for i := range chapters {
		chapters[i].OwnerID = to
		if rest, ok := strings.CutPrefix(chapters[i].FilePath, fromPrefix); ok {
			chapters[i].FilePath = toPrefix + rest
		}
	}
	if err := e.rows.ReplaceAudiobookOwner(from, book, chapters); err != nil {
		return fmt.Errorf("swap owner rows: %w", err)
	}
	return nil
}
