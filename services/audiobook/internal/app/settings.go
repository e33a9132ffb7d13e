package app

import (
	"context"
	"encoding/json"
	"fmt"

	"openreader/pkg/domain"
	"openreader/pkg/layout"
	"openreader/pkg/storage"
)

const (
	defaultPreviewBytes = 4 << 10
	maxPreviewBytes     = 1 << 20
)

// PutSettings replaces the book settings file and mirrors it on the book row.
func (a *App) PutSettings(ctx context.Context, ownerID, bookID string, raw json.RawMessage) error {
	if err := validateBook(ownerID, bookID); err != nil {
		return err
	}
	if len(raw) == 0 || !json.Valid(raw) {
		return fmt.Errorf("%w: settings must be valid JSON", ErrInvalidInput)
	}
	if err := a.EnsureReady(ctx); err != nil {
		return err
	}
	release := a.locks.lock(ownerID + "/" + bookID)
	defer release()

	key := a.keys.MetaKey(ownerID, bookID)
	if err := a.deleteKey(ctx, key); err != nil {
		return fmt.Errorf("remove settings: %w", err)
	}
	if _, err := a.backend.PutObject(ctx, key, raw, "application/json"); err != nil {
		return fmt.Errorf("store settings: %w", err)
	}
	return a.saveBook(ownerID, bookID, func(b *domain.Audiobook) {
		b.Settings = append(json.RawMessage(nil), raw...)
	})
}

// GetSettings returns the stored settings file, falling back to the copy on
// the book row.
func (a *App) GetSettings(ctx context.Context, ownerID, bookID string) (json.RawMessage, error) {
	if err := validateBook(ownerID, bookID); err != nil {
		return nil, err
	}
	if err := a.EnsureReady(ctx); err != nil {
		return nil, err
	}
	data, err := a.backend.GetObject(ctx, a.keys.MetaKey(ownerID, bookID))
	if err == nil {
		return data, nil
	}
	if !storage.IsMissing(err) {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	book, ok, err := a.store.GetAudiobook(bookID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("get audiobook: %w", err)
	}
	if !ok || len(book.Settings) == 0 {
		return nil, ErrNotFound
	}
	return book.Settings, nil
}

// DocumentPreview is the leading bytes of a stored document.
type DocumentPreview struct {
	Document domain.Document
	Data     []byte
}

// PreviewDocument reads up to n leading bytes of a document owned by ownerID.
func (a *App) PreviewDocument(ctx context.Context, ownerID, documentID string, n int64) (DocumentPreview, error) {
	if err := layout.ValidateID(ownerID); err != nil {
		return DocumentPreview{}, fmt.Errorf("%w: owner: %w", ErrInvalidInput, err)
	}
	if err := layout.ValidateID(documentID); err != nil {
		return DocumentPreview{}, fmt.Errorf("%w: document: %w", ErrInvalidInput, err)
	}
	switch {
	case n <= 0:
		n = defaultPreviewBytes
	case n > maxPreviewBytes:
		n = maxPreviewBytes
	}
	if err := a.EnsureReady(ctx); err != nil {
		return DocumentPreview{}, err
	}
	doc, ok, err := a.store.GetDocument(documentID, ownerID)
	if err != nil {
		return DocumentPreview{}, fmt.Errorf("get document: %w", err)
	}
	if !ok {
		return DocumentPreview{}, ErrNotFound
	}
	key := doc.FilePath
	if key == "" {
		key = a.keys.DocumentKey(doc.ID, doc.Name)
	}
	data, err := a.backendFor(doc.Backend).GetObjectRange(ctx, key, 0, n-1)
	if err != nil {
		if storage.IsMissing(err) {
			return DocumentPreview{}, ErrNotFound
		}
		return DocumentPreview{}, fmt.Errorf("read document: %w", err)
	}
	return DocumentPreview{Document: doc, Data: data}, nil
}

// backendFor picks the backend a row says its bytes live in.
func (a *App) backendFor(kind string) storage.Backend {
	switch kind {
	case domain.BackendS3:
		if a.remote != nil {
			return a.remote
		}
	case domain.BackendLocal, "":
		return a.local
	}
	return a.backend
}
