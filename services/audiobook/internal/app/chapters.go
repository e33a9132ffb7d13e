package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/patrickmn/go-cache"

	"openreader/pkg/chapter"
	"openreader/pkg/domain"
	"openreader/pkg/layout"
	"openreader/pkg/migrate"
	"openreader/pkg/storage"
)

// maxChapterIndex keeps 1-based ordinals within four digits so names sort.
const maxChapterIndex = 9998

// ErrRangeNotSatisfiable means the requested range starts past the end of the chapter.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// ChapterInput is one encoded chapter to store.
type ChapterInput struct {
	Index       int
	Title       string
	Format      string
	DurationSec float64
	BookTitle   string
	Data        []byte
}

// ByteRange is an inclusive byte range. End < 0 means through the last byte.
type ByteRange struct {
	Start int64
	End   int64
}

// ChapterData carries chapter bytes proxied through the service.
type ChapterData struct {
	Chapter     domain.Chapter
	Data        []byte
	Size        int64
	Start       int64
	End         int64
	Partial     bool
	ContentType string
}

type chapterFile struct {
	key  string
	name chapter.Name
}

type bookListing struct {
	chapters []chapterFile
	hashed   []string
	present  bool
}

func (a *App) listBook(ctx context.Context, ownerID, bookID string) (bookListing, error) {
	prefix := a.keys.BookPrefix(ownerID, bookID)
	keys, err := a.backend.ListObjects(ctx, prefix)
	if err != nil {
		return bookListing{}, fmt.Errorf("list book: %w", err)
	}
	out := bookListing{present: len(keys) > 0}
	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		if strings.Contains(name, "/") {
			continue
		}
		if decoded, ok := chapter.DecodeFileName(name); ok {
			out.chapters = append(out.chapters, chapterFile{key: key, name: decoded})
			continue
		}
		if migrate.IsHashedChapterName(name) {
			out.hashed = append(out.hashed, key)
		}
	}
	return out, nil
}

func (a *App) toChapter(ownerID, bookID string, f chapterFile) domain.Chapter {
	return domain.Chapter{
		BookID:   bookID,
		OwnerID:  ownerID,
		Index:    f.name.Index,
		Title:    f.name.Title,
		Format:   f.name.Format,
		Backend:  a.backend.Kind(),
		FilePath: f.key,
	}
}

// PutChapter stores an encoded chapter. Once the new bytes are written, any
// other file holding the same index is removed and combined artifacts are
// invalidated.
func (a *App) PutChapter(ctx context.Context, ownerID, bookID string, in ChapterInput) (domain.Chapter, error) {
	if err := validateBook(ownerID, bookID); err != nil {
		return domain.Chapter{}, err
	}
	if in.Index < 0 || in.Index > maxChapterIndex {
		return domain.Chapter{}, fmt.Errorf("%w: chapter index %d out of range", ErrInvalidInput, in.Index)
	}
	format, ok := domain.ParseChapterFormat(in.Format)
	if !ok {
		return domain.Chapter{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidInput, in.Format)
	}
	if len(in.Data) == 0 {
		return domain.Chapter{}, fmt.Errorf("%w: empty chapter", ErrInvalidInput)
	}
	if int64(len(in.Data)) > a.maxChapterSize {
		return domain.Chapter{}, ErrChapterTooLarge
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = fmt.Sprintf("Chapter %d", in.Index+1)
	}
	if err := a.EnsureReady(ctx); err != nil {
		return domain.Chapter{}, err
	}

	release := a.locks.lock(ownerID + "/" + bookID)
	defer release()

	listing, err := a.listBook(ctx, ownerID, bookID)
	if err != nil {
		return domain.Chapter{}, err
	}
	key := a.keys.ChapterKey(ownerID, bookID, in.Index, title, format)
	if err := a.writeChapter(ctx, key, in.Data, format); err != nil {
		return domain.Chapter{}, err
	}
	for _, f := range listing.chapters {
		if f.name.Index != in.Index || f.key == key {
			continue
		}
		if err := a.deleteKey(ctx, f.key); err != nil {
			return domain.Chapter{}, fmt.Errorf("remove replaced chapter: %w", err)
		}
	}
	if err := a.invalidateComplete(ctx, ownerID, bookID); err != nil {
		return domain.Chapter{}, err
	}

	duration := in.DurationSec
	if duration <= 0 {
		duration = a.probeDuration(ctx, in.Data, format)
	}
	if err := a.saveBook(ownerID, bookID, func(b *domain.Audiobook) {
		if t := strings.TrimSpace(in.BookTitle); t != "" {
			b.Title = t
		}
	}); err != nil {
		return domain.Chapter{}, err
	}
	ch := domain.Chapter{
		BookID:      bookID,
		OwnerID:     ownerID,
		Index:       in.Index,
		Title:       title,
		Format:      format,
		DurationSec: duration,
		Backend:     a.backend.Kind(),
		FilePath:    key,
		CreatedAt:   a.now(),
	}
	if err := a.store.SaveChapter(ch); err != nil {
		return domain.Chapter{}, fmt.Errorf("save chapter: %w", err)
	}
	a.logger.Info("chapter stored", "book_id", bookID, "owner_id", ownerID, "index", in.Index, "key", key)
	return ch, nil
}

// writeChapter stores data at key. Regenerated audio under an unchanged name
// replaces the old bytes, which are restored if the replacement fails.
func (a *App) writeChapter(ctx context.Context, key string, data []byte, format domain.ChapterFormat) error {
	_, err := a.backend.PutObject(ctx, key, data, format.ContentType())
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrWriteConflict) {
		return fmt.Errorf("store chapter: %w", err)
	}
	previous, err := a.backend.GetObject(ctx, key)
	if err != nil {
		return fmt.Errorf("read regenerated chapter: %w", err)
	}
	if err := a.deleteKey(ctx, key); err != nil {
		return fmt.Errorf("remove regenerated chapter: %w", err)
	}
	if _, err := a.backend.PutObject(ctx, key, data, format.ContentType()); err != nil {
		if _, restoreErr := a.backend.PutObject(context.WithoutCancel(ctx), key, previous, format.ContentType()); restoreErr != nil {
			a.logger.Error("restore chapter failed", "key", key, "err", restoreErr)
		}
		return fmt.Errorf("store chapter: %w", err)
	}
	return nil
}

// ListChapters returns the chapters found in storage, ordered by index.
// Hash-named files are renamed from their title tag when possible, missing
// rows are refilled and stale rows pruned.
func (a *App) ListChapters(ctx context.Context, ownerID, bookID string) ([]domain.Chapter, error) {
	if err := validateBook(ownerID, bookID); err != nil {
		return nil, err
	}
	if err := a.EnsureReady(ctx); err != nil {
		return nil, err
	}
	release := a.locks.lock(ownerID + "/" + bookID)
	defer release()

	listing, err := a.listBook(ctx, ownerID, bookID)
	if err != nil {
		return nil, err
	}
	if len(listing.hashed) > 0 && a.recoverHashed(ctx, listing.hashed) > 0 {
		if listing, err = a.listBook(ctx, ownerID, bookID); err != nil {
			return nil, err
		}
	}

	rows, err := a.store.ListChapters(bookID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list chapter rows: %w", err)
	}
	byIndex := make(map[int]domain.Chapter, len(rows))
	for _, row := range rows {
		byIndex[row.Index] = row
	}

	out := make([]domain.Chapter, 0, len(listing.chapters))
	observed := make([]int, 0, len(listing.chapters))
	seen := make(map[int]bool, len(listing.chapters))
	for _, f := range listing.chapters {
		if seen[f.name.Index] {
			a.logger.Warn("duplicate chapter index in storage", "book_id", bookID, "owner_id", ownerID, "key", f.key)
			continue
		}
		seen[f.name.Index] = true
		observed = append(observed, f.name.Index)

		ch := a.toChapter(ownerID, bookID, f)
		row, hasRow := byIndex[ch.Index]
		if hasRow {
			ch.DurationSec = row.DurationSec
			ch.CreatedAt = row.CreatedAt
		} else {
			ch.CreatedAt = a.now()
		}
		if !hasRow || row.Title != ch.Title || row.Format != ch.Format || row.FilePath != ch.FilePath || row.Backend != ch.Backend {
			if err := a.store.SaveChapter(ch); err != nil {
				return nil, fmt.Errorf("refresh chapter row: %w", err)
			}
		}
		out = append(out, ch)
	}
	if len(out) > 0 {
		if _, ok, err := a.store.GetAudiobook(bookID, ownerID); err != nil {
			return nil, fmt.Errorf("get audiobook: %w", err)
		} else if !ok {
			if err := a.saveBook(ownerID, bookID, nil); err != nil {
				return nil, err
			}
		}
	}
	if _, err := a.pruner.Prune(bookID, ownerID, observed, listing.present); err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	return out, nil
}

// recoverHashed renames content-hash chapter files using their title tag
// and returns how many were renamed.
func (a *App) recoverHashed(ctx context.Context, keys []string) int {
	mover, ok := a.backend.(storage.Mover)
	if a.prober == nil || !ok {
		return 0
	}
	renamed := 0
	for _, key := range keys {
		p, cleanup, err := a.localCopy(ctx, key)
		if err != nil {
			a.logger.Warn("read hashed chapter failed", "key", key, "err", err)
			continue
		}
		name, ok := migrate.RecoverChapterName(ctx, a.prober, p)
		cleanup()
		if !ok {
			continue
		}
		dst := key[:strings.LastIndex(key, "/")+1] + name
		res, err := mover.MovePrefix(ctx, key, dst)
		if err != nil {
			a.logger.Warn("rename hashed chapter failed", "key", key, "err", err)
			continue
		}
		renamed += res.Moved
	}
	return renamed
}

func (a *App) locateChapter(ctx context.Context, ownerID, bookID string, index int) (chapterFile, error) {
	if err := validateBook(ownerID, bookID); err != nil {
		return chapterFile{}, err
	}
	if err := a.EnsureReady(ctx); err != nil {
		return chapterFile{}, err
	}
	listing, err := a.listBook(ctx, ownerID, bookID)
	if err != nil {
		return chapterFile{}, err
	}
	for _, f := range listing.chapters {
		if f.name.Index == index {
			return f, nil
		}
	}
	a.pruneBook(ctx, ownerID, bookID)
	return chapterFile{}, ErrNotFound
}

// ChapterURL returns a presigned URL for the chapter. ok is false when the
// backend cannot presign and the bytes must be proxied.
func (a *App) ChapterURL(ctx context.Context, ownerID, bookID string, index int) (string, bool, error) {
	f, err := a.locateChapter(ctx, ownerID, bookID, index)
	if err != nil {
		return "", false, err
	}
	if cached, ok := a.presigned.Get(f.key); ok {
		return cached.(string), true, nil
	}
	url, ok, err := a.backend.PresignGet(ctx, f.key)
	if err != nil {
		return "", false, a.missingAsNotFound(ctx, ownerID, bookID, err)
	}
	if !ok {
		return "", false, nil
	}
	a.presigned.Set(f.key, url, cache.DefaultExpiration)
	return url, true, nil
}

// ReadChapter returns chapter bytes, optionally limited to rng.
func (a *App) ReadChapter(ctx context.Context, ownerID, bookID string, index int, rng *ByteRange) (ChapterData, error) {
	f, err := a.locateChapter(ctx, ownerID, bookID, index)
	if err != nil {
		return ChapterData{}, err
	}
	info, err := a.backend.StatObject(ctx, f.key)
	if err != nil {
		return ChapterData{}, a.missingAsNotFound(ctx, ownerID, bookID, err)
	}
	out := ChapterData{
		Chapter:     a.toChapter(ownerID, bookID, f),
		Size:        info.Size,
		ContentType: f.name.Format.ContentType(),
	}
	if rng == nil {
		if out.Data, err = a.backend.GetObject(ctx, f.key); err != nil {
			return ChapterData{}, a.missingAsNotFound(ctx, ownerID, bookID, err)
		}
		out.End = int64(len(out.Data)) - 1
		return out, nil
	}
	if rng.Start < 0 || rng.Start >= info.Size {
		return out, ErrRangeNotSatisfiable
	}
	end := rng.End
	if end < 0 || end >= info.Size {
		end = info.Size - 1
	}
	if end < rng.Start {
		return out, ErrRangeNotSatisfiable
	}
	if out.Data, err = a.backend.GetObjectRange(ctx, f.key, rng.Start, end); err != nil {
		return ChapterData{}, a.missingAsNotFound(ctx, ownerID, bookID, err)
	}
	out.Start, out.End, out.Partial = rng.Start, rng.Start+int64(len(out.Data))-1, true
	return out, nil
}

// DeleteChapter removes every file and row for index and invalidates the
// combined artifacts.
func (a *App) DeleteChapter(ctx context.Context, ownerID, bookID string, index int) error {
	if err := validateBook(ownerID, bookID); err != nil {
		return err
	}
	if err := a.EnsureReady(ctx); err != nil {
		return err
	}
	release := a.locks.lock(ownerID + "/" + bookID)
	defer release()

	listing, err := a.listBook(ctx, ownerID, bookID)
	if err != nil {
		return err
	}
	removed := 0
	for _, f := range listing.chapters {
		if f.name.Index != index {
			continue
		}
		if err := a.deleteKey(ctx, f.key); err != nil {
			return fmt.Errorf("delete chapter: %w", err)
		}
		removed++
	}
	rows, err := a.store.DeleteChapters(bookID, ownerID, []int{index})
	if err != nil {
		return fmt.Errorf("delete chapter row: %w", err)
	}
	if removed == 0 && rows == 0 {
		return ErrNotFound
	}
	return a.invalidateComplete(ctx, ownerID, bookID)
}

// ResetBook deletes everything stored for a book and its rows. It returns
// the number of objects removed.
func (a *App) ResetBook(ctx context.Context, ownerID, bookID string) (int, error) {
	if err := validateBook(ownerID, bookID); err != nil {
		return 0, err
	}
	if err := a.EnsureReady(ctx); err != nil {
		return 0, err
	}
	release := a.locks.lock(ownerID + "/" + bookID)
	defer release()

	keys, err := a.backend.ListObjects(ctx, a.keys.BookPrefix(ownerID, bookID))
	if err != nil {
		return 0, fmt.Errorf("list book: %w", err)
	}
	for _, key := range keys {
		if err := a.deleteKey(ctx, key); err != nil {
			return 0, fmt.Errorf("reset book: %w", err)
		}
	}
	if err := a.store.DeleteAudiobook(bookID, ownerID); err != nil {
		return 0, fmt.Errorf("delete audiobook row: %w", err)
	}
	a.logger.Info("audiobook reset", "book_id", bookID, "owner_id", ownerID, "objects", len(keys))
	return len(keys), nil
}

func (a *App) invalidateComplete(ctx context.Context, ownerID, bookID string) error {
	prefix := a.keys.BookPrefix(ownerID, bookID)
	for _, name := range layout.CompleteFileNames() {
		if err := a.deleteKey(ctx, prefix+name); err != nil {
			return fmt.Errorf("invalidate %s: %w", name, err)
		}
	}
	return nil
}

func (a *App) deleteKey(ctx context.Context, key string) error {
	a.presigned.Delete(key)
	return a.backend.DeleteObject(ctx, key)
}

func (a *App) missingAsNotFound(ctx context.Context, ownerID, bookID string, err error) error {
	if !storage.IsMissing(err) {
		return err
	}
	a.pruneBook(ctx, ownerID, bookID)
	return ErrNotFound
}

func (a *App) pruneBook(ctx context.Context, ownerID, bookID string) {
	if _, err := a.pruner.PruneBook(ctx, bookID, ownerID); err != nil {
		a.logger.Warn("prune after missing blob failed", "book_id", bookID, "owner_id", ownerID, "err", err)
	}
}

func (a *App) probeDuration(ctx context.Context, data []byte, format domain.ChapterFormat) float64 {
	if a.prober == nil {
		return 0
	}
	p, cleanup, err := writeTemp(data, "."+string(format))
	if err != nil {
		a.logger.Warn("probe duration failed", "err", err)
		return 0
	}
	defer cleanup()
	seconds, err := a.prober.ProbeDuration(ctx, p)
	if err != nil {
		a.logger.Debug("probe duration failed", "err", err)
		return 0
	}
	return seconds
}

func (a *App) saveBook(ownerID, bookID string, update func(*domain.Audiobook)) error {
	book, ok, err := a.store.GetAudiobook(bookID, ownerID)
	if err != nil {
		return fmt.Errorf("get audiobook: %w", err)
	}
	if !ok {
		book = domain.Audiobook{BookID: bookID, OwnerID: ownerID, CreatedAt: a.now()}
	}
	if update != nil {
		update(&book)
	}
	book.UpdatedAt = a.now()
	if err := a.store.SaveAudiobook(book); err != nil {
		return fmt.Errorf("save audiobook: %w", err)
	}
	return nil
}
