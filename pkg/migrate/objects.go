package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"openreader/pkg/chapter"
	"openreader/pkg/docfile"
	"openreader/pkg/domain"
	"openreader/pkg/layout"
	"openreader/pkg/storage"
	"openreader/pkg/store"
)

const defaultObjectConcurrency = 4

// ObjectOptions controls MigrateToObjectStorage.
type ObjectOptions struct {
	// DryRun counts what would happen without uploading, writing rows or deleting.
	DryRun bool
	// DeleteLocal removes each local file once its upload is acknowledged.
	DeleteLocal bool
	// Concurrency bounds parallel uploads (default 4).
	Concurrency int
}

// ObjectReport counts the outcome of a local to object storage migration.
type ObjectReport struct {
	DryRun         bool `json:"dryRun"`
	FilesScanned   int  `json:"filesScanned"`
	Uploaded       int  `json:"uploaded"`
	AlreadyPresent int  `json:"alreadyPresent"`
	SkippedInvalid int  `json:"skippedInvalid"`
	DeletedLocal   int  `json:"deletedLocal"`
	DBRowsUpdated  int  `json:"dbRowsUpdated"`
	DBRowsSeeded   int  `json:"dbRowsSeeded"`
	Failed         int  `json:"failed"`
}

// DurationProber reads the duration of a local audio file.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// ObjectStoreMigrator copies the normalised local layout into object storage
// and points metadata rows at the uploaded keys.
type ObjectStoreMigrator struct {
	local     *storage.FileStore
	remote    storage.Backend
	store     store.Store
	keys      layout.Keys
	durations DurationProber
	logger    *slog.Logger

	// serialises row reads and writes so seeding does not double count
	dbMu sync.Mutex
}

func NewObjectStoreMigrator(local *storage.FileStore, remote storage.Backend, st store.Store, keys layout.Keys, durations DurationProber, logger *slog.Logger) *ObjectStoreMigrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectStoreMigrator{
		local:     local,
		remote:    remote,
		store:     st,
		keys:      keys,
		durations: durations,
		logger:    logger.With("component", "migrate_objects"),
	}
}

type reportCounter struct {
	mu        sync.Mutex
	r         ObjectReport
	seenBooks map[domain.BlobRef]bool
}

// firstSeen reports whether the book of ref is seen for the first time in this run.
func (c *reportCounter) firstSeen(ref domain.BlobRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref.FileName = ""
	if c.seenBooks[ref] {
		return false
	}
	c.seenBooks[ref] = true
	return true
}

func (c *reportCounter) add(fn func(r *ObjectReport)) {
	c.mu.Lock()
	fn(&c.r)
	c.mu.Unlock()
}

// MigrateToObjectStorage uploads every file under documents_v1 and
// audiobooks_v1. Per-file failures are counted, not returned; the error is
// reserved for listing failures and cancellation.
func (o *ObjectStoreMigrator) MigrateToObjectStorage(ctx context.Context, opts ObjectOptions) (ObjectReport, error) {
	if o.remote == nil || o.remote.Kind() == domain.BackendLocal {
		return ObjectReport{}, errors.New("object storage backend is not configured")
	}
	docKeys, err := o.local.ListObjects(ctx, o.keys.DocumentsPrefix())
	if err != nil {
		return ObjectReport{}, fmt.Errorf("list local documents: %w", err)
	}
	bookKeys, err := o.local.ListObjects(ctx, o.keys.AudiobooksPrefix())
	if err != nil {
		return ObjectReport{}, fmt.Errorf("list local audiobooks: %w", err)
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = defaultObjectConcurrency
	}
	counter := &reportCounter{r: ObjectReport{DryRun: opts.DryRun}, seenBooks: make(map[domain.BlobRef]bool)}
	var g errgroup.Group
	g.SetLimit(limit)
	schedule := func(key string, fn func(context.Context, string, ObjectOptions, *reportCounter) error) {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			counter.add(func(r *ObjectReport) { r.FilesScanned++ })
			if err := fn(ctx, key, opts, counter); err != nil {
				counter.add(func(r *ObjectReport) { r.Failed++ })
				o.logger.Warn("object migration failed", "key", key, "err", err)
			}
			return nil
		})
	}
	for _, key := range docKeys {
		if ctx.Err() != nil {
			break
		}
		schedule(key, o.migrateDocument)
	}
	for _, key := range bookKeys {
		if ctx.Err() != nil {
			break
		}
		schedule(key, o.migrateAudiobookFile)
	}
	_ = g.Wait()
	report := counter.r
	o.logger.Info("object migration finished",
		"dry_run", report.DryRun,
		"scanned", report.FilesScanned,
		"uploaded", report.Uploaded,
		"already_present", report.AlreadyPresent,
		"skipped_invalid", report.SkippedInvalid,
		"deleted_local", report.DeletedLocal,
		"rows_updated", report.DBRowsUpdated,
		"rows_seeded", report.DBRowsSeeded,
		"failed", report.Failed,
	)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (o *ObjectStoreMigrator) migrateDocument(ctx context.Context, key string, opts ObjectOptions, c *reportCounter) error {
	fileName := path.Base(key)
	data, err := o.local.GetObject(ctx, key)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	name := fileName
	if sha, parsed, ok := layout.ParseDocumentName(fileName); ok {
		name = parsed
		if sha != id {
			o.logger.Warn("document hash mismatch, using content hash", "key", key, "name_hash", sha, "content_hash", id)
		}
	}
	kind := docfile.KindFromName(name)
	if kind == docfile.KindUnknown {
		kind = docfile.Sniff(data)
		if kind == docfile.KindUnknown {
			c.add(func(r *ObjectReport) { r.SkippedInvalid++ })
			return nil
		}
		if path.Ext(name) == "" {
			name += kind.Extension()
		}
	}
	remoteKey := o.keys.DocumentKey(id, name)
	if err := o.upload(ctx, remoteKey, data, kind.ContentType(), opts, c); err != nil {
		return err
	}

	if err := o.syncDocumentRows(ctx, id, name, kind, data, key, remoteKey, opts, c); err != nil {
		return err
	}
	return o.deleteLocal(ctx, key, opts, c)
}

func (o *ObjectStoreMigrator) syncDocumentRows(ctx context.Context, id, name string, kind docfile.Kind, data []byte, localKey, remoteKey string, opts ObjectOptions, c *reportCounter) error {
	o.dbMu.Lock()
	defer o.dbMu.Unlock()
	rows, err := o.store.ListDocumentsByID(id)
	if err != nil {
		return fmt.Errorf("list document rows: %w", err)
	}
	if len(rows) == 0 {
		if !opts.DryRun {
			info, err := o.local.StatObject(ctx, localKey)
			if err != nil {
				return err
			}
			doc := domain.Document{
				ID:           id,
				OwnerID:      domain.UnclaimedOwnerID,
				Name:         name,
				Type:         kind.ContentType(),
				Size:         int64(len(data)),
				PageCount:    docfile.Inspect(name, data).PageCount,
				LastModified: info.LastModified,
				Backend:      domain.BackendS3,
				FilePath:     remoteKey,
			}
			if err := o.store.SaveDocument(doc); err != nil {
				return fmt.Errorf("seed document row: %w", err)
			}
		}
		c.add(func(r *ObjectReport) { r.DBRowsSeeded++ })
		return nil
	}
	for _, row := range rows {
		if row.Backend == domain.BackendS3 && row.FilePath == remoteKey {
			continue
		}
		if !opts.DryRun {
			row.Backend = domain.BackendS3
			row.FilePath = remoteKey
			if err := o.store.SaveDocument(row); err != nil {
				return fmt.Errorf("update document row: %w", err)
			}
		}
		c.add(func(r *ObjectReport) { r.DBRowsUpdated++ })
	}
	return nil
}

func (o *ObjectStoreMigrator) migrateAudiobookFile(ctx context.Context, key string, opts ObjectOptions, c *reportCounter) error {
	ref, ok := o.keys.ParseAudiobookKey(key)
	if !ok {
		c.add(func(r *ObjectReport) { r.SkippedInvalid++ })
		return nil
	}
	name, isChapter := chapter.DecodeFileName(ref.FileName)
	contentType := "application/octet-stream"
	switch {
	case isChapter:
		contentType = name.Format.ContentType()
	case ref.FileName == layout.MetaFileName:
		contentType = "application/json"
	case layout.IsCompleteArtifact(ref.FileName):
		if strings.HasSuffix(ref.FileName, ".json") {
			contentType = "application/json"
		} else if f, ok := domain.ParseChapterFormat(path.Ext(ref.FileName)); ok {
			contentType = f.ContentType()
		}
	default:
		c.add(func(r *ObjectReport) { r.SkippedInvalid++ })
		return nil
	}

	data, err := o.local.GetObject(ctx, key)
	if err != nil {
		return err
	}
	if err := o.upload(ctx, key, data, contentType, opts, c); err != nil {
		return err
	}
	switch {
	case isChapter:
		if err := o.syncChapterRow(ctx, ref, name, key, opts, c); err != nil {
			return err
		}
	case ref.FileName == layout.MetaFileName:
		if err := o.seedBookRow(ref, data, opts, c); err != nil {
			return err
		}
	}
	return o.deleteLocal(ctx, key, opts, c)
}

func (o *ObjectStoreMigrator) syncChapterRow(ctx context.Context, ref domain.BlobRef, name chapter.Name, key string, opts ObjectOptions, c *reportCounter) error {
	var duration float64
	if o.durations != nil {
		if p, err := o.local.LocalPath(key); err == nil {
			if d, err := o.durations.ProbeDuration(ctx, p); err == nil {
				duration = d
			}
		}
	}
	if err := o.seedBookRow(ref, nil, opts, c); err != nil {
		return err
	}

	o.dbMu.Lock()
	defer o.dbMu.Unlock()
	rows, err := o.store.ListChapters(ref.BookID, ref.OwnerID)
	if err != nil {
		return fmt.Errorf("list chapter rows: %w", err)
	}
	for _, row := range rows {
		if row.Index != name.Index {
			continue
		}
		if row.Backend == domain.BackendS3 && row.FilePath == key {
			return nil
		}
		if !opts.DryRun {
			row.Title = name.Title
			row.Format = name.Format
			row.Backend = domain.BackendS3
			row.FilePath = key
			if row.DurationSec == 0 {
				row.DurationSec = duration
			}
			if err := o.store.SaveChapter(row); err != nil {
				return fmt.Errorf("update chapter row: %w", err)
			}
		}
		c.add(func(r *ObjectReport) { r.DBRowsUpdated++ })
		return nil
	}
	if !opts.DryRun {
		row := domain.Chapter{
			BookID:      ref.BookID,
			OwnerID:     ref.OwnerID,
			Index:       name.Index,
			Title:       name.Title,
			Format:      name.Format,
			DurationSec: duration,
			Backend:     domain.BackendS3,
			FilePath:    key,
		}
		if err := o.store.SaveChapter(row); err != nil {
			return fmt.Errorf("seed chapter row: %w", err)
		}
	}
	c.add(func(r *ObjectReport) { r.DBRowsSeeded++ })
	return nil
}

// seedBookRow creates the book row when missing. settings is the content of
// audiobook.meta.json when known.
func (o *ObjectStoreMigrator) seedBookRow(ref domain.BlobRef, settings []byte, opts ObjectOptions, c *reportCounter) error {
	o.dbMu.Lock()
	defer o.dbMu.Unlock()
	book, exists, err := o.store.GetAudiobook(ref.BookID, ref.OwnerID)
	if err != nil {
		return fmt.Errorf("get audiobook row: %w", err)
	}
	validSettings := len(settings) > 0 && json.Valid(settings)
	if exists {
		if validSettings && len(book.Settings) == 0 && !opts.DryRun {
			book.Settings = json.RawMessage(settings)
			if err := o.store.SaveAudiobook(book); err != nil {
				return fmt.Errorf("update audiobook settings: %w", err)
			}
		}
		return nil
	}
	if opts.DryRun {
		if c.firstSeen(ref) {
			c.add(func(r *ObjectReport) { r.DBRowsSeeded++ })
		}
		return nil
	}
	book = domain.Audiobook{BookID: ref.BookID, OwnerID: ref.OwnerID}
	if validSettings {
		book.Settings = json.RawMessage(settings)
	}
	if err := o.store.SaveAudiobook(book); err != nil {
		return fmt.Errorf("seed audiobook row: %w", err)
	}
	c.add(func(r *ObjectReport) { r.DBRowsSeeded++ })
	return nil
}

func (o *ObjectStoreMigrator) upload(ctx context.Context, key string, data []byte, contentType string, opts ObjectOptions, c *reportCounter) error {
	if opts.DryRun {
		_, err := o.remote.StatObject(ctx, key)
		switch {
		case err == nil:
			c.add(func(r *ObjectReport) { r.AlreadyPresent++ })
		case storage.IsMissing(err):
			c.add(func(r *ObjectReport) { r.Uploaded++ })
		default:
			return fmt.Errorf("stat remote %s: %w", key, err)
		}
		return nil
	}
	created, err := o.remote.PutObject(ctx, key, data, contentType)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if created {
		c.add(func(r *ObjectReport) { r.Uploaded++ })
	} else {
		c.add(func(r *ObjectReport) { r.AlreadyPresent++ })
	}
	return nil
}

func (o *ObjectStoreMigrator) deleteLocal(ctx context.Context, key string, opts ObjectOptions, c *reportCounter) error {
	if !opts.DeleteLocal || opts.DryRun {
		return nil
	}
	if err := o.local.DeleteObject(ctx, key); err != nil {
		return fmt.Errorf("delete local %s: %w", key, err)
	}
	c.add(func(r *ObjectReport) { r.DeletedLocal++ })
	return nil
}
