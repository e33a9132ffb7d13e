package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"openreader/pkg/chapter"
	"openreader/pkg/domain"
	"openreader/pkg/layout"
	"openreader/pkg/migrate"
	"openreader/pkg/storage"
	"openreader/pkg/store"
)

const unclaimed = domain.UnclaimedOwnerID

type stubProber struct {
	titles   map[string]string
	duration float64
}

func (s stubProber) ProbeTitle(_ context.Context, path string) (string, error) {
	if t, ok := s.titles[filepath.Base(path)]; ok {
		return t, nil
	}
	return "", errors.New("no title tag")
}

func (s stubProber) ProbeDuration(context.Context, string) (float64, error) {
	if s.duration == 0 {
		return 0, errors.New("no duration")
	}
	return s.duration, nil
}

func newTestApp(t *testing.T, mutate func(*Config)) (*App, *store.MemoryStore, string) {
	t.Helper()
	root := t.TempDir()
	st := store.NewMemoryStore()
	cfg := Config{
		Store:       st,
		StorageRoot: root,
		Prober:      stubProber{duration: 12.5},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, st, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func putChapter(t *testing.T, a *App, owner, book string, index int, title, data string) domain.Chapter {
	t.Helper()
	ch, err := a.PutChapter(context.Background(), owner, book, ChapterInput{Index: index, Title: title, Format: "mp3", Data: []byte(data)})
	if err != nil {
		t.Fatalf("put chapter %d: %v", index, err)
	}
	return ch
}

func TestNewRequiresDatabaseWithoutStore(t *testing.T) {
	if _, err := New(Config{StorageRoot: t.TempDir()}); !errors.Is(err, ErrDatabaseRequired) {
		t.Fatalf("err = %v, want ErrDatabaseRequired", err)
	}
}

func TestPutChapterReplacesIndexAndInvalidatesComplete(t *testing.T) {
	a, st, root := newTestApp(t, nil)
	ctx := context.Background()
	bookDir := filepath.Join(root, "audiobooks_v1", "b1-audiobook")

	first := putChapter(t, a, unclaimed, "b1", 0, "Intro", "chapter-0")
	if first.DurationSec != 12.5 {
		t.Fatalf("duration = %v, want probed 12.5", first.DurationSec)
	}
	putChapter(t, a, unclaimed, "b1", 1, "Body", "chapter-1")
	writeFile(t, filepath.Join(bookDir, "complete.mp3"), "combined")
	writeFile(t, filepath.Join(bookDir, "complete.mp3.manifest.json"), "{}")

	putChapter(t, a, unclaimed, "b1", 0, "Opening", "chapter-0-v2")

	if _, err := os.Stat(filepath.Join(bookDir, "0001__Intro.mp3")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("replaced chapter still on disk: %v", err)
	}
	for _, name := range []string{"complete.mp3", "complete.mp3.manifest.json"} {
		if _, err := os.Stat(filepath.Join(bookDir, name)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s not invalidated", name)
		}
	}
	chapters, err := a.ListChapters(ctx, unclaimed, "b1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chapters) != 2 || chapters[0].Title != "Opening" || chapters[1].Title != "Body" {
		t.Fatalf("chapters = %+v", chapters)
	}
	if _, ok, _ := st.GetAudiobook("b1", unclaimed); !ok {
		t.Fatalf("book row not created")
	}
}

func TestPutChapterRegeneratedBytesReplaceSameName(t *testing.T) {
	a, _, _ := newTestApp(t, nil)
	putChapter(t, a, "userA", "b1", 0, "Intro", "take-1")
	putChapter(t, a, "userA", "b1", 0, "Intro", "take-2")

	data, err := a.ReadChapter(context.Background(), "userA", "b1", 0, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data.Data) != "take-2" {
		t.Fatalf("data = %q, want take-2", data.Data)
	}
}

type flakyBackend struct {
	*storage.MemoryBackend
	putErr func(key string, data []byte) error
}

func (b *flakyBackend) PutObject(ctx context.Context, key string, data []byte, contentType string) (bool, error) {
	if b.putErr != nil {
		if err := b.putErr(key, data); err != nil {
			return false, err
		}
	}
	return b.MemoryBackend.PutObject(ctx, key, data, contentType)
}

func TestPutChapterFailedWriteKeepsPreviousChapter(t *testing.T) {
	remote := &flakyBackend{MemoryBackend: storage.NewMemoryBackend(domain.BackendS3, "")}
	a, _, _ := newTestApp(t, func(c *Config) {
		c.Remote = remote
		c.StorageBackend = domain.BackendS3
	})
	ctx := context.Background()
	putChapter(t, a, "userA", "b1", 0, "Intro", "take-1")
	completeKey := a.keys.BookPrefix("userA", "b1") + "complete.mp3"
	if _, err := remote.PutObject(ctx, completeKey, []byte("combined"), "audio/mpeg"); err != nil {
		t.Fatalf("seed complete: %v", err)
	}

	remote.putErr = func(string, []byte) error { return errors.New("disk full") }
	if _, err := a.PutChapter(ctx, "userA", "b1", ChapterInput{Index: 0, Title: "Opening", Format: "mp3", Data: []byte("take-2")}); err == nil {
		t.Fatalf("expected write failure")
	}
	remote.putErr = nil

	chapters, err := a.ListChapters(ctx, "userA", "b1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chapters) != 1 || chapters[0].Title != "Intro" {
		t.Fatalf("chapters = %+v", chapters)
	}
	data, err := a.ReadChapter(ctx, "userA", "b1", 0, nil)
	if err != nil || string(data.Data) != "take-1" {
		t.Fatalf("read = %q, %v", data.Data, err)
	}
	if _, err := remote.GetObject(ctx, completeKey); err != nil {
		t.Fatalf("complete file removed after failed write: %v", err)
	}
}

func TestPutChapterFailedRegenerationRestoresBytes(t *testing.T) {
	remote := &flakyBackend{MemoryBackend: storage.NewMemoryBackend(domain.BackendS3, "")}
	a, _, _ := newTestApp(t, func(c *Config) {
		c.Remote = remote
		c.StorageBackend = domain.BackendS3
	})
	ctx := context.Background()
	putChapter(t, a, "userA", "b1", 0, "Intro", "take-1")

	attempts := 0
	remote.putErr = func(_ string, data []byte) error {
		if string(data) != "take-2" {
			return nil
		}
		attempts++
		if attempts > 1 {
			return errors.New("disk full")
		}
		return nil
	}
	if _, err := a.PutChapter(ctx, "userA", "b1", ChapterInput{Index: 0, Title: "Intro", Format: "mp3", Data: []byte("take-2")}); err == nil {
		t.Fatalf("expected write failure")
	}
	remote.putErr = nil

	data, err := a.ReadChapter(ctx, "userA", "b1", 0, nil)
	if err != nil || string(data.Data) != "take-1" {
		t.Fatalf("read = %q, %v", data.Data, err)
	}
}

func TestLegacyPairWrittenAfterStartupIsMigrated(t *testing.T) {
	a, _, root := newTestApp(t, nil)
	ctx := context.Background()
	putChapter(t, a, unclaimed, "b1", 0, "One", "audio-0")

	bookDir := filepath.Join(root, "audiobooks_v1", "b1-audiobook")
	writeFile(t, filepath.Join(bookDir, "1.meta.json"), `{"title":"Two","format":"mp3"}`)
	writeFile(t, filepath.Join(bookDir, "1-chapter.mp3"), "audio-1")

	chapters, err := a.ListChapters(ctx, unclaimed, "b1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chapters) != 2 || chapters[1].Title != "Two" {
		t.Fatalf("chapters = %+v", chapters)
	}
	if _, err := os.Stat(filepath.Join(bookDir, "0002__Two.mp3")); err != nil {
		t.Fatalf("late legacy pair not migrated: %v", err)
	}
}

func TestPutChapterValidation(t *testing.T) {
	a, _, _ := newTestApp(t, func(c *Config) { c.MaxChapterSize = 4 })
	ctx := context.Background()
	cases := []struct {
		owner, book string
		in          ChapterInput
		want        error
	}{
		{"userA", "../b", ChapterInput{Format: "mp3", Data: []byte("x")}, ErrInvalidInput},
		{"userA", "b", ChapterInput{Index: -1, Format: "mp3", Data: []byte("x")}, ErrInvalidInput},
		{"userA", "b", ChapterInput{Format: "wav", Data: []byte("x")}, ErrInvalidInput},
		{"userA", "b", ChapterInput{Format: "mp3"}, ErrInvalidInput},
		{"userA", "b", ChapterInput{Format: "mp3", Data: []byte("too big")}, ErrChapterTooLarge},
	}
	for _, c := range cases {
		if _, err := a.PutChapter(ctx, c.owner, c.book, c.in); !errors.Is(err, c.want) {
			t.Fatalf("PutChapter(%q, %+v) err = %v, want %v", c.book, c.in, err, c.want)
		}
	}
}

func TestListChaptersPrunesAndRefillsRows(t *testing.T) {
	a, st, root := newTestApp(t, nil)
	ctx := context.Background()
	putChapter(t, a, unclaimed, "b1", 0, "Intro", "chapter-0")
	_ = st.SaveChapter(domain.Chapter{BookID: "b1", OwnerID: unclaimed, Index: 5, Title: "Gone", Format: domain.FormatMP3})
	writeFile(t, filepath.Join(root, "audiobooks_v1", "b1-audiobook", chapter.EncodeFileName(1, "Found", domain.FormatM4B)), "m4b")

	chapters, err := a.ListChapters(ctx, unclaimed, "b1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chapters) != 2 || chapters[1].Title != "Found" || chapters[1].Format != domain.FormatM4B {
		t.Fatalf("chapters = %+v", chapters)
	}
	rows, _ := st.ListChapters("b1", unclaimed)
	if len(rows) != 2 || rows[0].Index != 0 || rows[1].Index != 1 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestListChaptersRecoversHashedNames(t *testing.T) {
	prober := stubProber{titles: map[string]string{"0123456789abcdef.mp3": chapter.EncodeTitleTag(2, "Three")}}
	a, _, root := newTestApp(t, func(c *Config) { c.Prober = prober })
	ctx := context.Background()
	if err := a.EnsureReady(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	bookDir := filepath.Join(root, "audiobooks_v1", "users", "userA", "b1-audiobook")
	writeFile(t, filepath.Join(bookDir, "0123456789abcdef.mp3"), "hashed")

	chapters, err := a.ListChapters(ctx, "userA", "b1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chapters) != 1 || chapters[0].Index != 2 || chapters[0].Title != "Three" {
		t.Fatalf("chapters = %+v", chapters)
	}
	if _, err := os.Stat(filepath.Join(bookDir, "0003__Three.mp3")); err != nil {
		t.Fatalf("hashed chapter not renamed: %v", err)
	}
}

func TestLegacyLayoutMigratedBeforeList(t *testing.T) {
	a, st, root := newTestApp(t, nil)
	legacy := filepath.Join(root, "b1-audiobook")
	writeFile(t, filepath.Join(legacy, "0.meta.json"), `{"title":"Intro","format":"mp3"}`)
	writeFile(t, filepath.Join(legacy, "0-chapter.mp3"), "audio")

	chapters, err := a.ListChapters(context.Background(), unclaimed, "b1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chapters) != 1 || chapters[0].Title != "Intro" {
		t.Fatalf("chapters = %+v", chapters)
	}
	if _, err := os.Stat(filepath.Join(root, "audiobooks_v1", "b1-audiobook", "0001__Intro.mp3")); err != nil {
		t.Fatalf("chapter not at canonical path: %v", err)
	}
	state, _ := st.GetMigrationState()
	if !state.AudiobooksV1Migrated || !state.DocumentsV1Migrated {
		t.Fatalf("state = %+v", state)
	}
}

func TestReadChapterRangeAndMissingBlob(t *testing.T) {
	a, st, root := newTestApp(t, nil)
	ctx := context.Background()
	putChapter(t, a, unclaimed, "b1", 0, "Intro", "0123456789")
	putChapter(t, a, unclaimed, "b1", 1, "Body", "abcdef")

	data, err := a.ReadChapter(ctx, unclaimed, "b1", 0, &ByteRange{Start: 2, End: 4})
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if string(data.Data) != "234" || !data.Partial || data.Size != 10 || data.End != 4 {
		t.Fatalf("range = %+v", data)
	}
	if _, err := a.ReadChapter(ctx, unclaimed, "b1", 0, &ByteRange{Start: 10, End: -1}); !errors.Is(err, ErrRangeNotSatisfiable) {
		t.Fatalf("err = %v, want ErrRangeNotSatisfiable", err)
	}
	if url, ok, err := a.ChapterURL(ctx, unclaimed, "b1", 0); err != nil || ok || url != "" {
		t.Fatalf("local presign = %q, %v, %v", url, ok, err)
	}

	if err := os.Remove(filepath.Join(root, "audiobooks_v1", "b1-audiobook", "0002__Body.mp3")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := a.ReadChapter(ctx, unclaimed, "b1", 1, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	rows, _ := st.ListChapters("b1", unclaimed)
	if len(rows) != 1 || rows[0].Index != 0 {
		t.Fatalf("stale row not pruned: %+v", rows)
	}
}

func TestChapterURLPresignsOnObjectStorage(t *testing.T) {
	remote := storage.NewMemoryBackend(domain.BackendS3, "https://cdn.example/")
	a, _, _ := newTestApp(t, func(c *Config) {
		c.Remote = remote
		c.StorageBackend = domain.BackendS3
	})
	ctx := context.Background()
	ch := putChapter(t, a, "userA", "b1", 0, "Intro", "audio")
	if ch.Backend != domain.BackendS3 {
		t.Fatalf("backend = %q", ch.Backend)
	}

	url, ok, err := a.ChapterURL(ctx, "userA", "b1", 0)
	if err != nil || !ok {
		t.Fatalf("presign = %v, %v", ok, err)
	}
	if url != "https://cdn.example/"+layout.NewKeys("").ChapterKey("userA", "b1", 0, "Intro", domain.FormatMP3) {
		t.Fatalf("url = %q", url)
	}
	if _, ok := a.presigned.Get(ch.FilePath); !ok {
		t.Fatalf("presigned url not cached")
	}
	if err := a.DeleteChapter(ctx, "userA", "b1", 0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := a.presigned.Get(ch.FilePath); ok {
		t.Fatalf("cache entry survived delete")
	}
	if _, _, err := a.ChapterURL(ctx, "userA", "b1", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteChapterAndResetBook(t *testing.T) {
	a, st, _ := newTestApp(t, nil)
	ctx := context.Background()
	putChapter(t, a, "userA", "b1", 0, "Intro", "a")
	putChapter(t, a, "userA", "b1", 1, "Body", "b")

	if err := a.DeleteChapter(ctx, "userA", "b1", 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := a.DeleteChapter(ctx, "userA", "b1", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
	if err := a.PutSettings(ctx, "userA", "b1", json.RawMessage(`{"voice":"af"}`)); err != nil {
		t.Fatalf("settings: %v", err)
	}
	n, err := a.ResetBook(ctx, "userA", "b1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset removed %d objects, want 2", n)
	}
	if _, ok, _ := st.GetAudiobook("b1", "userA"); ok {
		t.Fatalf("book row survived reset")
	}
	if chapters, _ := a.ListChapters(ctx, "userA", "b1"); len(chapters) != 0 {
		t.Fatalf("chapters after reset = %+v", chapters)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	a, st, _ := newTestApp(t, nil)
	ctx := context.Background()
	if _, err := a.GetSettings(ctx, "userA", "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := a.PutSettings(ctx, "userA", "b1", json.RawMessage(`{"voice":"af"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := a.PutSettings(ctx, "userA", "b1", json.RawMessage(`{"voice":"bm","speed":1.2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := a.GetSettings(ctx, "userA", "b1")
	if err != nil || string(got) != `{"voice":"bm","speed":1.2}` {
		t.Fatalf("settings = %s, %v", got, err)
	}
	book, _, _ := st.GetAudiobook("b1", "userA")
	if string(book.Settings) != string(got) {
		t.Fatalf("row settings = %s", book.Settings)
	}
	if err := a.PutSettings(ctx, "userA", "b1", json.RawMessage(`{`)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestClaimMovesChapters(t *testing.T) {
	a, _, _ := newTestApp(t, nil)
	ctx := context.Background()
	putChapter(t, a, unclaimed, "b1", 0, "Intro", "a")

	res, err := a.Claim(ctx, unclaimed, "userA")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Audiobooks != 1 {
		t.Fatalf("result = %+v", res)
	}
	chapters, err := a.ListChapters(ctx, "userA", "b1")
	if err != nil || len(chapters) != 1 {
		t.Fatalf("claimed chapters = %+v, %v", chapters, err)
	}
	if _, err := a.Claim(ctx, "userA", unclaimed); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestPreviewDocument(t *testing.T) {
	a, st, _ := newTestApp(t, nil)
	ctx := context.Background()
	sha := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	key := layout.NewKeys("").DocumentKey(sha, "Paper.pdf")
	if _, err := a.local.PutObject(ctx, key, []byte("%PDF-1.4 body"), "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = st.SaveDocument(domain.Document{ID: sha, OwnerID: "userA", Name: "Paper.pdf", Backend: domain.BackendLocal, FilePath: key})

	preview, err := a.PreviewDocument(ctx, "userA", sha, 5)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if string(preview.Data) != "%PDF-" || preview.Document.Name != "Paper.pdf" {
		t.Fatalf("preview = %+v", preview)
	}
	if _, err := a.PreviewDocument(ctx, "userB", sha, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMigrateToObjectStorage(t *testing.T) {
	a, _, _ := newTestApp(t, nil)
	if _, err := a.MigrateToObjectStorage(context.Background(), migrate.ObjectOptions{}); !errors.Is(err, ErrObjectStorageAbsent) {
		t.Fatalf("err = %v, want ErrObjectStorageAbsent", err)
	}

	remote := storage.NewMemoryBackend(domain.BackendS3, "")
	a, st, _ := newTestApp(t, func(c *Config) { c.Remote = remote })
	putChapter(t, a, unclaimed, "b1", 0, "Intro", "audio")
	report, err := a.MigrateToObjectStorage(context.Background(), migrate.ObjectOptions{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if report.Uploaded != 1 || report.DBRowsUpdated != 1 {
		t.Fatalf("report = %+v", report)
	}
	rows, _ := st.ListChapters("b1", unclaimed)
	if len(rows) != 1 || rows[0].Backend != domain.BackendS3 {
		t.Fatalf("rows = %+v", rows)
	}
}
