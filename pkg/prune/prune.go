// Package prune reconciles metadata rows against what storage holds.
// Storage is the source of truth: the pruner deletes rows, never objects.
package prune

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"openreader/pkg/chapter"
	"openreader/pkg/domain"
	"openreader/pkg/layout"
)

// Rows is the subset of the metadata store the pruner needs.
type Rows interface {
	GetAudiobook(bookID, ownerID string) (domain.Audiobook, bool, error)
	ListChapters(bookID, ownerID string) ([]domain.Chapter, error)
	DeleteChapters(bookID, ownerID string, indices []int) (int, error)
	DeleteAudiobook(bookID, ownerID string) error
}

// Lister lists storage keys. Listing is the only storage call the pruner makes.
type Lister interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Result counts removed rows.
type Result struct {
	ChaptersDeleted int  `json:"chaptersDeleted"`
	BookDeleted     bool `json:"bookDeleted"`
}

type Pruner struct {
	rows   Rows
	lister Lister
	keys   layout.Keys
	logger *slog.Logger
}

func New(rows Rows, lister Lister, keys layout.Keys, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{rows: rows, lister: lister, keys: keys, logger: logger.With("component", "prune")}
}

// Prune deletes chapter rows whose index is not in observed. When the book
// prefix is absent altogether the book row goes too.
func (p *Pruner) Prune(bookID, ownerID string, observed []int, prefixPresent bool) (Result, error) {
	var res Result
	rows, err := p.rows.ListChapters(bookID, ownerID)
	if err != nil {
		return res, fmt.Errorf("list chapter rows: %w", err)
	}
	if !prefixPresent {
		_, exists, err := p.rows.GetAudiobook(bookID, ownerID)
		if err != nil {
			return res, fmt.Errorf("get audiobook row: %w", err)
		}
		if !exists && len(rows) == 0 {
			return res, nil
		}
		if err := p.rows.DeleteAudiobook(bookID, ownerID); err != nil {
			return res, fmt.Errorf("delete audiobook row: %w", err)
		}
		res.ChaptersDeleted = len(rows)
		res.BookDeleted = exists
		p.logger.Info("pruned book without storage", "book_id", bookID, "owner_id", ownerID, "chapters", len(rows))
		return res, nil
	}

	seen := make(map[int]bool, len(observed))
	for _, idx := range observed {
		seen[idx] = true
	}
	var stale []int
	for _, row := range rows {
		if !seen[row.Index] {
			stale = append(stale, row.Index)
		}
	}
	if len(stale) == 0 {
		return res, nil
	}
	n, err := p.rows.DeleteChapters(bookID, ownerID, stale)
	if err != nil {
		return res, fmt.Errorf("delete chapter rows: %w", err)
	}
	res.ChaptersDeleted = n
	p.logger.Info("pruned stale chapter rows", "book_id", bookID, "owner_id", ownerID, "indices", stale)
	return res, nil
}

// PruneBook lists the book prefix and prunes rows against it.
func (p *Pruner) PruneBook(ctx context.Context, bookID, ownerID string) (Result, error) {
	observed, present, err := p.Observe(ctx, bookID, ownerID)
	if err != nil {
		return Result{}, err
	}
	return p.Prune(bookID, ownerID, observed, present)
}

// Observe returns the chapter indices stored under a book prefix and whether
// the prefix holds anything at all.
func (p *Pruner) Observe(ctx context.Context, bookID, ownerID string) ([]int, bool, error) {
	prefix := p.keys.BookPrefix(ownerID, bookID)
	keys, err := p.lister.ListObjects(ctx, prefix)
	if err != nil {
		return nil, false, fmt.Errorf("list book prefix: %w", err)
	}
	var observed []int
	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		if strings.Contains(name, "/") {
			continue
		}
		if decoded, ok := chapter.DecodeFileName(name); ok {
			observed = append(observed, decoded.Index)
		}
	}
	return observed, len(keys) > 0, nil
}
