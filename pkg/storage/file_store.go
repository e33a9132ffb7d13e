package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const tempMarker = ".tmp-"

// FileStore implements Backend on a local directory. Keys map directly to
// relative file paths.
type FileStore struct {
	basePath string
	logger   *slog.Logger
}

// NewFileStore resolves basePath and creates it if missing.
func NewFileStore(basePath string, logger *slog.Logger) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{basePath: abs, logger: logger.With("component", "file_store")}, nil
}

// BasePath returns the absolute storage root.
func (f *FileStore) BasePath() string {
	return f.basePath
}

func (f *FileStore) Kind() string { return "local" }

// LocalPath resolves a key to its absolute file path.
func (f *FileStore) LocalPath(key string) (string, error) {
	return f.fullPath(key)
}

func (f *FileStore) PutObject(ctx context.Context, key string, data []byte, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	target, err := f.fullPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err == nil {
		return false, f.compareExisting(target, data)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, fmt.Errorf("create directory: %w", err)
	}
	tmp := target + tempMarker + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("write temp file: %w", err)
	}
	defer os.Remove(tmp)

	// Link fails when another writer got there first, which keeps the write
	// once semantics without a lock.
	if err := os.Link(tmp, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, f.compareExisting(target, data)
		}
		if _, statErr := os.Stat(target); statErr == nil {
			return false, f.compareExisting(target, data)
		}
		if err := os.Rename(tmp, target); err != nil {
			return false, fmt.Errorf("rename temp file: %w", err)
		}
	}
	return true, nil
}

func (f *FileStore) compareExisting(path string, data []byte) error {
	existing, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open existing file: %w", err)
	}
	defer existing.Close()
	h := sha256.New()
	if _, err := io.Copy(h, existing); err != nil {
		return fmt.Errorf("hash existing file: %w", err)
	}
	want := sha256.Sum256(data)
	if !bytes.Equal(h.Sum(nil), want[:]) {
		return ErrWriteConflict
	}
	return nil
}

func (f *FileStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	path, err := f.fullPath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, f.mapErr(key, err)
	}
	defer file.Close()
	data, err := io.ReadAll(&ctxReader{ctx: ctx, r: file})
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

func (f *FileStore) GetObjectRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}
	path, err := f.fullPath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, f.mapErr(key, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if start >= info.Size() {
		return []byte{}, nil
	}
	if end >= info.Size() {
		end = info.Size() - 1
	}
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek file: %w", err)
	}
	buf := make([]byte, end-start+1)
	if _, err := io.ReadFull(&ctxReader{ctx: ctx, r: file}, buf); err != nil {
		return nil, fmt.Errorf("read range: %w", err)
	}
	return buf, nil
}

func (f *FileStore) DeleteObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := f.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("remove file: %w", err)
	}
	f.removeEmptyParents(filepath.Dir(path))
	return nil
}

func (f *FileStore) removeEmptyParents(dir string) {
	for dir != f.basePath && strings.HasPrefix(dir, f.basePath+string(filepath.Separator)) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			f.logger.Warn("failed to remove empty directory", "dir", dir, "err", err)
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (f *FileStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	dirKey := prefix
	if !strings.HasSuffix(dirKey, "/") {
		dirKey = filepath.ToSlash(filepath.Dir(filepath.FromSlash(prefix)))
	}
	root := f.basePath
	if dirKey != "" && dirKey != "." && dirKey != "/" {
		var err error
		if root, err = f.fullPath(dirKey); err != nil {
			return nil, err
		}
	}
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.Contains(d.Name(), tempMarker) {
			return nil
		}
		rel, err := filepath.Rel(f.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileStore) StatObject(_ context.Context, key string) (ObjectInfo, error) {
	path, err := f.fullPath(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return ObjectInfo{}, f.mapErr(key, err)
	}
	if info.IsDir() {
		return ObjectInfo{}, &MissingBlobError{Key: key}
	}
	return ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (f *FileStore) PresignGet(context.Context, string) (string, bool, error) {
	return "", false, nil
}

// MovePrefix renames a subtree, merging into an existing destination.
func (f *FileStore) MovePrefix(ctx context.Context, from, to string) (MoveResult, error) {
	if err := ctx.Err(); err != nil {
		return MoveResult{}, err
	}
	src, err := f.fullPath(strings.TrimSuffix(from, "/"))
	if err != nil {
		return MoveResult{}, err
	}
	dst, err := f.fullPath(strings.TrimSuffix(to, "/"))
	if err != nil {
		return MoveResult{}, err
	}
	res, err := MergeMove(src, dst, f.logger)
	if err != nil {
		return res, err
	}
	f.removeEmptyParents(filepath.Dir(src))
	return res, nil
}

func (f *FileStore) fullPath(key string) (string, error) {
	if key == "" || strings.Contains(key, "\x00") {
		return "", ErrInvalidKey
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", ErrInvalidKey
	}
	full := filepath.Join(f.basePath, cleaned)
	if !strings.HasPrefix(full, f.basePath+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return full, nil
}

func (f *FileStore) mapErr(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &MissingBlobError{Key: key}
	}
	return fmt.Errorf("access %q: %w", key, err)
}

// MergeMove moves the tree at src into dst. When dst does not exist the
// whole directory is renamed in one step. Otherwise every file is renamed
// individually if its destination is absent and left in place (and logged)
// when it is not. Directories emptied by the move are removed.
func MergeMove(src, dst string, logger *slog.Logger) (MoveResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var res MoveResult
	srcInfo, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res, nil
		}
		return res, fmt.Errorf("stat source: %w", err)
	}
	if !srcInfo.IsDir() {
		return mergeFile(src, dst, logger)
	}
	if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
		count, err := countFiles(src)
		if err != nil {
			return res, err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return res, fmt.Errorf("create destination parent: %w", err)
		}
		if err := os.Rename(src, dst); err == nil {
			res.Moved = count
			return res, nil
		}
		// Fall through to the per-file merge (e.g. cross-device rename).
	}
	var dirs []string
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		r, err := mergeFile(path, filepath.Join(dst, rel), logger)
		res.Moved += r.Moved
		res.Skipped += r.Skipped
		return err
	})
	if err != nil {
		return res, fmt.Errorf("merge %s: %w", src, err)
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i]) // only succeeds when empty
	}
	return res, nil
}

func mergeFile(src, dst string, logger *slog.Logger) (MoveResult, error) {
	if _, err := os.Lstat(dst); err == nil {
		logger.Warn("merge skipped existing destination", "src", src, "dst", dst)
		return MoveResult{Skipped: 1}, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return MoveResult{}, fmt.Errorf("create destination dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return MoveResult{}, fmt.Errorf("rename %s: %w", src, err)
	}
	return MoveResult{Moved: 1}, nil
}

func countFiles(root string) (int, error) {
	n := 0
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	return n, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
