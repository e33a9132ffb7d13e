package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"openreader/pkg/domain"
	"openreader/pkg/layout"
	"openreader/pkg/storage"
	"openreader/pkg/store"
)

type objectFixture struct {
	local  *storage.FileStore
	remote *storage.MemoryBackend
	store  *store.MemoryStore
	mig    *ObjectStoreMigrator
	docKey string
}

func newObjectFixture(t *testing.T) objectFixture {
	t.Helper()
	local := newFileStore(t)
	root := local.BasePath()
	pdf := "%PDF-1.4 fake"
	docKey := "documents_v1/" + sha(pdf) + "__Paper.pdf"
	writeFile(t, filepath.Join(root, filepath.FromSlash(docKey)), pdf)
	writeFile(t, filepath.Join(root, "documents_v1", "blob"), "hello")
	book := filepath.Join(root, "audiobooks_v1", "b1-audiobook")
	writeFile(t, filepath.Join(book, "0001__Intro.mp3"), "chapter-0")
	writeFile(t, filepath.Join(book, layout.MetaFileName), `{"voice":"af"}`)
	writeFile(t, filepath.Join(book, "complete.mp3"), "combined")
	writeFile(t, filepath.Join(book, "notes.txt"), "junk")

	st := store.NewMemoryStore()
	_ = st.SaveAudiobook(domain.Audiobook{BookID: "b1", OwnerID: domain.UnclaimedOwnerID})
	_ = st.SaveChapter(domain.Chapter{BookID: "b1", OwnerID: domain.UnclaimedOwnerID, Index: 0, Title: "Intro", Format: domain.FormatMP3, DurationSec: 3})

	remote := storage.NewMemoryBackend(domain.BackendS3, "")
	return objectFixture{
		local:  local,
		remote: remote,
		store:  st,
		mig:    NewObjectStoreMigrator(local, remote, st, layout.NewKeys(""), nil, nil),
		docKey: docKey,
	}
}

func TestObjectMigrationDryRunMutatesNothing(t *testing.T) {
	f := newObjectFixture(t)
	before := snapshot(t, f.local.BasePath())

	report, err := f.mig.MigrateToObjectStorage(context.Background(), ObjectOptions{DryRun: true, DeleteLocal: true})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	want := ObjectReport{DryRun: true, FilesScanned: 6, Uploaded: 4, SkippedInvalid: 2, DBRowsUpdated: 1, DBRowsSeeded: 1}
	if report != want {
		t.Fatalf("report = %+v, want %+v", report, want)
	}
	if keys, _ := f.remote.ListObjects(context.Background(), ""); len(keys) != 0 {
		t.Fatalf("dry run uploaded %v", keys)
	}
	after := snapshot(t, f.local.BasePath())
	if len(after) != len(before) {
		t.Fatalf("dry run changed local files: %v", after)
	}
	if docs, _ := f.store.ListDocumentsByID(sha("%PDF-1.4 fake")); len(docs) != 0 {
		t.Fatalf("dry run seeded rows: %+v", docs)
	}
}

func TestObjectMigrationUploadsAndSwitchesRows(t *testing.T) {
	f := newObjectFixture(t)
	ctx := context.Background()

	report, err := f.mig.MigrateToObjectStorage(ctx, ObjectOptions{Concurrency: 2})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	want := ObjectReport{FilesScanned: 6, Uploaded: 4, SkippedInvalid: 2, DBRowsUpdated: 1, DBRowsSeeded: 1}
	if report != want {
		t.Fatalf("report = %+v, want %+v", report, want)
	}
	if _, err := f.remote.StatObject(ctx, "audiobooks_v1/b1-audiobook/0001__Intro.mp3"); err != nil {
		t.Fatalf("chapter not uploaded: %v", err)
	}
	chapters, _ := f.store.ListChapters("b1", domain.UnclaimedOwnerID)
	if len(chapters) != 1 || chapters[0].Backend != domain.BackendS3 || chapters[0].DurationSec != 3 {
		t.Fatalf("chapters = %+v", chapters)
	}
	docs, _ := f.store.ListDocumentsByID(sha("%PDF-1.4 fake"))
	if len(docs) != 1 || docs[0].OwnerID != domain.UnclaimedOwnerID || docs[0].FilePath != f.docKey || docs[0].Name != "Paper.pdf" {
		t.Fatalf("seeded docs = %+v", docs)
	}

	// Re-running with delete: everything already present, local copies removed.
	report, err = f.mig.MigrateToObjectStorage(ctx, ObjectOptions{DeleteLocal: true})
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	want = ObjectReport{FilesScanned: 6, AlreadyPresent: 4, SkippedInvalid: 2, DeletedLocal: 4}
	if report != want {
		t.Fatalf("second report = %+v, want %+v", report, want)
	}
	left := snapshot(t, f.local.BasePath())
	if len(left) != 2 {
		t.Fatalf("local files left = %v, want the two invalid ones", left)
	}
}

func TestObjectMigrationRequiresObjectBackend(t *testing.T) {
	local := newFileStore(t)
	mig := NewObjectStoreMigrator(local, local, store.NewMemoryStore(), layout.NewKeys(""), nil, nil)
	if _, err := mig.MigrateToObjectStorage(context.Background(), ObjectOptions{}); err == nil {
		t.Fatalf("expected error for local target")
	}
}
