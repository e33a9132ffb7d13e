package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"openreader/pkg/docfile"
	"openreader/pkg/layout"
	"openreader/pkg/storage"
)

const (
	kindLegacyDocument = "legacy_document"
	sidecarSuffix      = ".json"
)

// legacySidecar is the metadata file stored next to a root-level document.
type legacySidecar struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	LastModified *int64 `json:"lastModified"`
}

// DocumentsMigrator moves root-level documents (with optional "<file>.json"
// sidecars) into documents_v1 under their content hash.
type DocumentsMigrator struct {
	files  *storage.FileStore
	keys   layout.Keys
	logger *slog.Logger
}

func NewDocumentsMigrator(files *storage.FileStore, keys layout.Keys, logger *slog.Logger) *DocumentsMigrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentsMigrator{files: files, keys: keys, logger: logger.With("component", "migrate_documents")}
}

func (d *DocumentsMigrator) Phase() Phase { return PhaseDocuments }

// Scan lists regular files at the storage root. Hidden files, sidecars and
// in-flight temp files are ignored.
func (d *DocumentsMigrator) Scan(ctx context.Context) ([]Artifact, error) {
	root, err := localRoot(d.files, d.keys)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read storage root: %w", err)
	}
	var out []Artifact
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, sidecarSuffix) || strings.Contains(name, ".tmp-") {
			continue
		}
		out = append(out, Artifact{Kind: kindLegacyDocument, Path: filepath.Join(root, name)})
	}
	return out, nil
}

// Migrate copies one document into documents_v1, restores its timestamp and
// removes the legacy file and sidecar.
func (d *DocumentsMigrator) Migrate(ctx context.Context, a Artifact) (Outcome, error) {
	meta, ok, err := readSidecar(a.Path + sidecarSuffix)
	if err != nil {
		return Skipped, nil
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Migrated, nil
		}
		return Skipped, fmt.Errorf("read legacy document: %w", err)
	}
	info, err := os.Stat(a.Path)
	if err != nil {
		return Skipped, fmt.Errorf("stat legacy document: %w", err)
	}

	name := filepath.Base(a.Path)
	modTime := info.ModTime()
	if ok {
		if n := strings.TrimSpace(meta.Name); n != "" {
			name = filepath.Base(n)
		}
		if meta.LastModified != nil {
			modTime = time.UnixMilli(*meta.LastModified)
		}
	}
	if filepath.Ext(name) == "" {
		if kind := docfile.Sniff(data); kind != docfile.KindUnknown {
			name += kind.Extension()
		}
	}

	sum := sha256.Sum256(data)
	key := d.keys.DocumentKey(hex.EncodeToString(sum[:]), name)
	if _, err := d.files.PutObject(ctx, key, data, docfile.KindFromName(name).ContentType()); err != nil {
		return Skipped, fmt.Errorf("write %s: %w", key, err)
	}
	target, err := d.files.LocalPath(key)
	if err != nil {
		return Skipped, err
	}
	if err := os.Chtimes(target, modTime, modTime); err != nil {
		d.logger.Warn("failed to copy document timestamp", "key", key, "err", err)
	}
	if err := removeIfExists(a.Path); err != nil {
		return Skipped, err
	}
	if ok {
		if err := removeIfExists(a.Path + sidecarSuffix); err != nil {
			return Skipped, err
		}
	}
	d.logger.Info("document migrated", "from", filepath.Base(a.Path), "key", key)
	return Migrated, nil
}

// readSidecar returns ok=false when no sidecar exists and an error when it
// exists but cannot be decoded.
func readSidecar(path string) (legacySidecar, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return legacySidecar{}, false, nil
		}
		return legacySidecar{}, false, err
	}
	var meta legacySidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return legacySidecar{}, false, fmt.Errorf("decode sidecar: %w", err)
	}
	return meta, true, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

func localRoot(files *storage.FileStore, keys layout.Keys) (string, error) {
	if keys.Namespace == "" {
		return files.BasePath(), nil
	}
	return files.LocalPath(keys.Namespace)
}
