package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"openreader/pkg/domain"
)

// ErrNotFound is returned by MemoryStore when a row being reassigned does not exist.
var ErrNotFound = errors.New("store: record not found")

type docKey struct{ id, owner string }

type bookKey struct{ book, owner string }

type chapterKey struct {
	book, owner string
	index       int
}

// MemoryStore keeps metadata in-process (single instance, no durability).
// It is test support: the service refuses to start without a database.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[docKey]domain.Document
	books     map[bookKey]domain.Audiobook
	chapters  map[chapterKey]domain.Chapter
	state     domain.MigrationState
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[docKey]domain.Document),
		books:     make(map[bookKey]domain.Audiobook),
		chapters:  make(map[chapterKey]domain.Chapter),
	}
}

func (m *MemoryStore) SaveDocument(d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Backend = backendOrDefault(d.Backend)
	m.documents[docKey{d.ID, d.OwnerID}] = d
	return nil
}

func (m *MemoryStore) GetDocument(id, ownerID string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[docKey{id, ownerID}]
	return d, ok, nil
}

func (m *MemoryStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	return m.filterDocuments(func(d domain.Document) bool { return d.OwnerID == ownerID }), nil
}

func (m *MemoryStore) ListDocumentsByID(id string) ([]domain.Document, error) {
	return m.filterDocuments(func(d domain.Document) bool { return d.ID == id }), nil
}

func (m *MemoryStore) filterDocuments(keep func(domain.Document) bool) []domain.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for _, d := range m.documents {
		if keep(d) {
			res = append(res, d)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Name != res[j].Name {
			return res[i].Name < res[j].Name
		}
		return res[i].OwnerID < res[j].OwnerID
	})
	return res
}

func (m *MemoryStore) DeleteDocument(id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.documents, docKey{id, ownerID})
	return nil
}

func (m *MemoryStore) ReassignDocument(id, fromOwnerID, toOwnerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.documents[docKey{id, fromOwnerID}]
	if !ok {
		return false, ErrNotFound
	}
	delete(m.documents, docKey{id, fromOwnerID})
	if _, exists := m.documents[docKey{id, toOwnerID}]; exists {
		return true, nil
	}
	src.OwnerID = toOwnerID
	m.documents[docKey{id, toOwnerID}] = src
	return false, nil
}

func (m *MemoryStore) SaveAudiobook(b domain.Audiobook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.books[bookKey{b.BookID, b.OwnerID}]; ok {
		b.CreatedAt = existing.CreatedAt
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	m.books[bookKey{b.BookID, b.OwnerID}] = b
	return nil
}

func (m *MemoryStore) GetAudiobook(bookID, ownerID string) (domain.Audiobook, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[bookKey{bookID, ownerID}]
	return b, ok, nil
}

func (m *MemoryStore) ListAudiobooksByOwner(ownerID string) ([]domain.Audiobook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Audiobook, 0)
	for _, b := range m.books {
		if b.OwnerID == ownerID {
			res = append(res, b)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].BookID < res[j].BookID })
	return res, nil
}

func (m *MemoryStore) DeleteAudiobook(bookID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteBookLocked(bookID, ownerID)
	return nil
}

func (m *MemoryStore) deleteBookLocked(bookID, ownerID string) {
	delete(m.books, bookKey{bookID, ownerID})
	for k := range m.chapters {
		if k.book == bookID && k.owner == ownerID {
			delete(m.chapters, k)
		}
	}
}

func (m *MemoryStore) ReplaceAudiobookOwner(fromOwnerID string, book domain.Audiobook, chapters []domain.Chapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteBookLocked(book.BookID, fromOwnerID)
	if _, exists := m.books[bookKey{book.BookID, book.OwnerID}]; !exists {
		m.books[bookKey{book.BookID, book.OwnerID}] = book
	}
	for _, ch := range chapters {
		k := chapterKey{ch.BookID, ch.OwnerID, ch.Index}
		if _, exists := m.chapters[k]; !exists {
			ch.Backend = backendOrDefault(ch.Backend)
			m.chapters[k] = ch
		}
	}
	return nil
}

func (m *MemoryStore) SaveChapter(c domain.Chapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Backend = backendOrDefault(c.Backend)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.chapters[chapterKey{c.BookID, c.OwnerID, c.Index}] = c
	return nil
}

func (m *MemoryStore) ListChapters(bookID, ownerID string) ([]domain.Chapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Chapter, 0)
	for k, c := range m.chapters {
		if k.book == bookID && k.owner == ownerID {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Index < res[j].Index })
	return res, nil
}

func (m *MemoryStore) DeleteChapters(bookID, ownerID string, indices []int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, idx := range indices {
		k := chapterKey{bookID, ownerID, idx}
		if _, ok := m.chapters[k]; ok {
			delete(m.chapters, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetMigrationState() (domain.MigrationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

func (m *MemoryStore) SaveMigrationState(state domain.MigrationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	m.state = state
	return nil
}
