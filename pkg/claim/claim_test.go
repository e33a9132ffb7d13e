package claim

import (
	"context"
	"errors"
	"strings"
	"testing"

	"openreader/pkg/domain"
	"openreader/pkg/layout"
	"openreader/pkg/storage"
	"openreader/pkg/store"
)

const unclaimed = domain.UnclaimedOwnerID

func seedUnclaimedBook(t *testing.T, ctx context.Context, b storage.Backend, st store.Store, keys layout.Keys, bookID string) {
	t.Helper()
	if err := st.SaveAudiobook(domain.Audiobook{BookID: bookID, OwnerID: unclaimed, Title: "Title " + bookID}); err != nil {
		t.Fatalf("save book: %v", err)
	}
	for i, title := range []string{"Intro", "Body"} {
		key := keys.ChapterKey(unclaimed, bookID, i, title, domain.FormatMP3)
		if _, err := b.PutObject(ctx, key, []byte(title), "audio/mpeg"); err != nil {
			t.Fatalf("put: %v", err)
		}
		ch := domain.Chapter{BookID: bookID, OwnerID: unclaimed, Index: i, Title: title, Format: domain.FormatMP3, DurationSec: 4, FilePath: key}
		if err := st.SaveChapter(ch); err != nil {
			t.Fatalf("save chapter: %v", err)
		}
	}
	if _, err := b.PutObject(ctx, keys.MetaKey(unclaimed, bookID), []byte(`{}`), "application/json"); err != nil {
		t.Fatalf("put meta: %v", err)
	}
}

func ownersOf(t *testing.T, b storage.Backend, keys layout.Keys, bookID string) map[string]int {
	t.Helper()
	all, err := b.ListObjects(context.Background(), keys.AudiobooksPrefix())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	out := make(map[string]int)
	for _, k := range all {
		if ref, ok := keys.ParseAudiobookKey(k); ok && ref.BookID == bookID {
			out[ref.OwnerID]++
		}
	}
	return out
}

func TestClaimMovesStorageThenRows(t *testing.T) {
	ctx := context.Background()
	keys := layout.NewKeys("")
	backend, err := storage.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	st := store.NewMemoryStore()
	seedUnclaimedBook(t, ctx, backend, st, keys, "b")

	res, err := New(st, backend, keys, nil).Claim(ctx, unclaimed, "userA")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Audiobooks != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if _, ok, _ := st.GetAudiobook("b", unclaimed); ok {
		t.Fatalf("unclaimed row still present")
	}
	book, ok, _ := st.GetAudiobook("b", "userA")
	if !ok || book.Title != "Title b" {
		t.Fatalf("claimed row = %+v, %v", book, ok)
	}
	chapters, _ := st.ListChapters("b", "userA")
	if len(chapters) != 2 {
		t.Fatalf("chapters = %+v", chapters)
	}
	for _, ch := range chapters {
		if !strings.HasPrefix(ch.FilePath, keys.BookPrefix("userA", "b")) || ch.DurationSec != 4 {
			t.Fatalf("chapter not rewritten: %+v", ch)
		}
		if _, err := backend.StatObject(ctx, ch.FilePath); err != nil {
			t.Fatalf("chapter not reachable at %s: %v", ch.FilePath, err)
		}
	}
	if owners := ownersOf(t, backend, keys, "b"); owners[unclaimed] != 0 || owners["userA"] != 3 {
		t.Fatalf("owners = %v", owners)
	}

	// Claiming again finds nothing left.
	res, err = New(st, backend, keys, nil).Claim(ctx, unclaimed, "userA")
	if err != nil || res != (Result{}) {
		t.Fatalf("second claim = %+v, %v", res, err)
	}
}

func TestClaimDocumentsDiscardsDuplicates(t *testing.T) {
	st := store.NewMemoryStore()
	_ = st.SaveDocument(domain.Document{ID: "sha1", OwnerID: unclaimed, Name: "a.pdf"})
	_ = st.SaveDocument(domain.Document{ID: "sha2", OwnerID: unclaimed, Name: "b.pdf"})
	_ = st.SaveDocument(domain.Document{ID: "sha2", OwnerID: "userA", Name: "b-mine.pdf"})
	backend := storage.NewMemoryBackend(domain.BackendS3, "")

	res, err := New(st, backend, layout.NewKeys(""), nil).Claim(context.Background(), unclaimed, "userA")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Documents != 2 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if left, _ := st.ListDocumentsByOwner(unclaimed); len(left) != 0 {
		t.Fatalf("unclaimed documents left: %+v", left)
	}
	mine, _ := st.ListDocumentsByOwner("userA")
	if len(mine) != 2 {
		t.Fatalf("userA documents = %+v", mine)
	}
	if doc, _, _ := st.GetDocument("sha2", "userA"); doc.Name != "b-mine.pdf" {
		t.Fatalf("existing row replaced: %+v", doc)
	}
}

func TestClaimStorageOnlyBook(t *testing.T) {
	ctx := context.Background()
	keys := layout.NewKeys("tenant")
	backend := storage.NewMemoryBackend(domain.BackendS3, "")
	_, _ = backend.PutObject(ctx, keys.ChapterKey("userB", "orphan", 0, "x", domain.FormatM4B), []byte("x"), "")

	res, err := New(store.NewMemoryStore(), backend, keys, nil).Claim(ctx, "userB", "userC")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Audiobooks != 1 {
		t.Fatalf("result = %+v", res)
	}
	if owners := ownersOf(t, backend, keys, "orphan"); owners["userC"] != 1 || owners["userB"] != 0 {
		t.Fatalf("owners = %v", owners)
	}
}

type flakyMover struct {
	*storage.MemoryBackend
	failBook string
}

func (f *flakyMover) MovePrefix(ctx context.Context, from, to string) (storage.MoveResult, error) {
	if strings.Contains(from, f.failBook+layout.BookDirSuffix) {
		return storage.MoveResult{}, errors.New("network down")
	}
	return f.MemoryBackend.MovePrefix(ctx, from, to)
}

func TestClaimCountsFailuresAndKeepsRows(t *testing.T) {
	ctx := context.Background()
	keys := layout.NewKeys("")
	backend := &flakyMover{MemoryBackend: storage.NewMemoryBackend(domain.BackendS3, ""), failBook: "bad"}
	st := store.NewMemoryStore()
	seedUnclaimedBook(t, ctx, backend, st, keys, "bad")
	seedUnclaimedBook(t, ctx, backend, st, keys, "good")

	res, err := New(st, backend, keys, nil).Claim(ctx, unclaimed, "userA")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Audiobooks != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, ok, _ := st.GetAudiobook("bad", unclaimed); !ok {
		t.Fatalf("rows of a failed move must stay with the old owner")
	}
	if _, ok, _ := st.GetAudiobook("good", "userA"); !ok {
		t.Fatalf("good book not claimed")
	}
}

func TestClaimRejectsInvalidOwners(t *testing.T) {
	e := New(store.NewMemoryStore(), storage.NewMemoryBackend(domain.BackendS3, ""), layout.NewKeys(""), nil)
	cases := [][2]string{
		{unclaimed, unclaimed},
		{"userA", unclaimed},
		{unclaimed, "../etc"},
		{"", "userA"},
	}
	for _, c := range cases {
		if _, err := e.Claim(context.Background(), c[0], c[1]); !errors.Is(err, ErrInvalidOwner) {
			t.Fatalf("claim(%q, %q) err = %v, want ErrInvalidOwner", c[0], c[1], err)
		}
	}
}
