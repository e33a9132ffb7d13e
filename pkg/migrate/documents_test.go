package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"openreader/pkg/store"
)

func sha(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func TestDocumentsMigrationWithSidecar(t *testing.T) {
	fs := newFileStore(t)
	root := fs.BasePath()
	writeFile(t, filepath.Join(root, "upload-1"), "%PDF-1.4 body")
	writeFile(t, filepath.Join(root, "upload-1.json"), `{"name":"My Report.pdf","type":"application/pdf","lastModified":1700000000000}`)
	writeFile(t, filepath.Join(root, "notes.txt"), "plain notes")
	st := store.NewMemoryStore()

	did, err := newRunner(fs, st, nil).EnsureDocumentsLayout(context.Background())
	if err != nil || !did {
		t.Fatalf("ensure = %v, %v; want true", did, err)
	}
	files := snapshot(t, root)
	report := "documents_v1/" + sha("%PDF-1.4 body") + "__My%20Report.pdf"
	notes := "documents_v1/" + sha("plain notes") + "__notes.txt"
	if len(files) != 2 || files[report] != "%PDF-1.4 body" || files[notes] != "plain notes" {
		t.Fatalf("files = %v", files)
	}
	info, err := os.Stat(filepath.Join(root, filepath.FromSlash(report)))
	if err != nil {
		t.Fatalf("stat migrated: %v", err)
	}
	if !info.ModTime().Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("mtime = %v", info.ModTime())
	}
	state, _ := st.GetMigrationState()
	if !state.DocumentsV1Migrated {
		t.Fatalf("documents flag not set")
	}

	did, err = newRunner(fs, st, nil).EnsureDocumentsLayout(context.Background())
	if err != nil || did {
		t.Fatalf("second ensure = %v, %v; want false", did, err)
	}
}

func TestDocumentsSniffExtensionlessName(t *testing.T) {
	fs := newFileStore(t)
	root := fs.BasePath()
	writeFile(t, filepath.Join(root, "scan"), "%PDF-1.7 data")

	if _, err := newRunner(fs, store.NewMemoryStore(), nil).EnsureDocumentsLayout(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !exists(filepath.Join(root, "documents_v1", sha("%PDF-1.7 data")+"__scan.pdf")) {
		t.Fatalf("files = %v", snapshot(t, root))
	}
}

func TestDocumentsMalformedSidecarLeftInPlace(t *testing.T) {
	fs := newFileStore(t)
	root := fs.BasePath()
	writeFile(t, filepath.Join(root, "book.epub"), "PK")
	writeFile(t, filepath.Join(root, "book.epub.json"), `{"name": 12`)

	st := store.NewMemoryStore()
	report, err := newRunner(fs, st, nil).Run(context.Background(), PhaseDocuments)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Skipped != 1 || report.Migrated != 0 || report.Remaining != 1 || report.Completed {
		t.Fatalf("report = %+v", report)
	}
	state, _ := st.GetMigrationState()
	if state.DocumentsV1Migrated {
		t.Fatalf("documents flag set while a legacy document remains")
	}
	if !exists(filepath.Join(root, "book.epub")) || !exists(filepath.Join(root, "book.epub.json")) {
		t.Fatalf("malformed document touched: %v", snapshot(t, root))
	}
	if exists(filepath.Join(root, "documents_v1")) {
		t.Fatalf("documents_v1 created for skipped document")
	}
}
