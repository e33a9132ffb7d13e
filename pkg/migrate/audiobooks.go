package migrate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"openreader/pkg/chapter"
	"openreader/pkg/domain"
	"openreader/pkg/layout"
	"openreader/pkg/storage"
)

const (
	kindLegacyBookDir = "legacy_book_dir"
	kindChapterPair   = "chapter_pair"
	kindHashedChapter = "hashed_chapter"
)

var (
	pairMetaPattern    = regexp.MustCompile(`^(\d+)\.meta\.json$`)
	pairChapterPattern = regexp.MustCompile(`^(\d+)-chapter\.(mp3|m4b)$`)
	hashedPattern      = regexp.MustCompile(`^[0-9a-f]{16,}\.(mp3|m4b)$`)
)

// TitleProber reads the container title tag of a local audio file.
type TitleProber interface {
	ProbeTitle(ctx context.Context, path string) (string, error)
}

type legacyChapterMeta struct {
	Title  string `json:"title"`
	Format string `json:"format"`
}

// AudiobooksMigrator normalises audiobook storage into audiobooks_v1:
// root-level book directories are merged in, per-chapter meta/audio pairs
// and hash-named files are renamed to canonical chapter names.
type AudiobooksMigrator struct {
	files  *storage.FileStore
	keys   layout.Keys
	prober TitleProber
	logger *slog.Logger
}

// NewAudiobooksMigrator builds the migrator. prober may be nil, in which
// case hash-named chapters are left in place.
func NewAudiobooksMigrator(files *storage.FileStore, keys layout.Keys, prober TitleProber, logger *slog.Logger) *AudiobooksMigrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &AudiobooksMigrator{files: files, keys: keys, prober: prober, logger: logger.With("component", "migrate_audiobooks")}
}

func (m *AudiobooksMigrator) Phase() Phase { return PhaseAudiobooks }

func (m *AudiobooksMigrator) Scan(ctx context.Context) ([]Artifact, error) {
	root, err := localRoot(m.files, m.keys)
	if err != nil {
		return nil, err
	}
	var out []Artifact
	entries, err := readDirIfExists(root)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, ok := layout.BookIDFromDir(e.Name()); ok && e.IsDir() {
			out = append(out, Artifact{Kind: kindLegacyBookDir, Path: filepath.Join(root, e.Name())})
		}
	}
	dirs, err := m.bookDirs(root)
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := scanBookDir(dir)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

// bookDirs lists every book directory under audiobooks_v1, unclaimed and per owner.
func (m *AudiobooksMigrator) bookDirs(root string) ([]string, error) {
	base := filepath.Join(root, layout.AudiobooksDir)
	entries, err := readDirIfExists(base)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == layout.UsersDir {
			owners, err := readDirIfExists(filepath.Join(base, layout.UsersDir))
			if err != nil {
				return nil, err
			}
			for _, o := range owners {
				if !o.IsDir() {
					continue
				}
				books, err := readDirIfExists(filepath.Join(base, layout.UsersDir, o.Name()))
				if err != nil {
					return nil, err
				}
				for _, b := range books {
					if _, ok := layout.BookIDFromDir(b.Name()); ok && b.IsDir() {
						dirs = append(dirs, filepath.Join(base, layout.UsersDir, o.Name(), b.Name()))
					}
				}
			}
			continue
		}
		if _, ok := layout.BookIDFromDir(e.Name()); ok {
			dirs = append(dirs, filepath.Join(base, e.Name()))
		}
	}
	return dirs, nil
}

func scanBookDir(dir string) ([]Artifact, error) {
	entries, err := readDirIfExists(dir)
	if err != nil {
		return nil, err
	}
	pairs := make(map[int]bool)
	var out []Artifact
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if match := pairMetaPattern.FindStringSubmatch(name); match != nil {
			if n, err := strconv.Atoi(match[1]); err == nil {
				pairs[n] = true
			}
			continue
		}
		if match := pairChapterPattern.FindStringSubmatch(name); match != nil {
			if n, err := strconv.Atoi(match[1]); err == nil {
				pairs[n] = true
			}
			continue
		}
		if hashedPattern.MatchString(name) {
			out = append(out, Artifact{Kind: kindHashedChapter, Path: filepath.Join(dir, name)})
		}
	}
	indices := make([]int, 0, len(pairs))
	for n := range pairs {
		indices = append(indices, n)
	}
	sort.Ints(indices)
	for _, n := range indices {
		out = append(out, Artifact{Kind: kindChapterPair, Path: dir, Index: n})
	}
	return out, nil
}

func (m *AudiobooksMigrator) Migrate(ctx context.Context, a Artifact) (Outcome, error) {
	switch a.Kind {
	case kindLegacyBookDir:
		return m.mergeBookDir(ctx, a.Path)
	case kindChapterPair:
		return m.migratePair(ctx, a.Path, a.Index)
	case kindHashedChapter:
		return m.migrateHashed(ctx, a.Path)
	}
	return Skipped, nil
}

func (m *AudiobooksMigrator) mergeBookDir(ctx context.Context, path string) (Outcome, error) {
	dirName := filepath.Base(path)
	bookID, _ := layout.BookIDFromDir(dirName)
	res, err := m.files.MovePrefix(ctx, m.keys.Root()+dirName, m.keys.BookPrefix(domain.UnclaimedOwnerID, bookID))
	if err != nil {
		return Skipped, fmt.Errorf("merge book dir %s: %w", dirName, err)
	}
	m.logger.Info("legacy book directory merged", "book_id", bookID, "moved", res.Moved, "skipped", res.Skipped)
	if res.Moved == 0 && res.Skipped > 0 {
		return Skipped, nil
	}
	return Migrated, nil
}

func (m *AudiobooksMigrator) migratePair(ctx context.Context, dir string, index int) (Outcome, error) {
	metaPath := filepath.Join(dir, strconv.Itoa(index)+".meta.json")
	var meta legacyChapterMeta
	hasMeta := false
	if raw, err := os.ReadFile(metaPath); err == nil {
		if err := json.Unmarshal(raw, &meta); err != nil {
			m.logger.Warn("malformed chapter meta", "path", metaPath, "err", err)
			return Skipped, nil
		}
		hasMeta = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Skipped, fmt.Errorf("read chapter meta: %w", err)
	}

	candidates := []domain.ChapterFormat{domain.FormatMP3, domain.FormatM4B}
	if f, ok := domain.ParseChapterFormat(meta.Format); ok {
		candidates = append([]domain.ChapterFormat{f}, candidates...)
	}
	var src string
	var format domain.ChapterFormat
	for _, f := range candidates {
		p := filepath.Join(dir, fmt.Sprintf("%d-chapter.%s", index, f))
		if _, err := os.Stat(p); err == nil {
			src, format = p, f
			break
		}
	}
	if src == "" {
		return Skipped, nil
	}

	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = m.probeTitle(ctx, src)
	}
	if title == "" {
		title = fmt.Sprintf("Chapter %d", index+1)
	}
	outcome, err := placeFile(src, filepath.Join(dir, chapter.EncodeFileName(index, title, format)))
	if err != nil || outcome == Skipped {
		return outcome, err
	}
	if hasMeta {
		if err := removeIfExists(metaPath); err != nil {
			return Skipped, err
		}
	}
	return Migrated, nil
}

func (m *AudiobooksMigrator) migrateHashed(ctx context.Context, path string) (Outcome, error) {
	if m.prober == nil {
		return Skipped, nil
	}
	name, ok := RecoverChapterName(ctx, m.prober, path)
	if !ok {
		m.logger.Warn("hashed chapter has no usable title tag", "path", path)
		return Skipped, nil
	}
	return placeFile(path, filepath.Join(filepath.Dir(path), name))
}

// IsHashedChapterName reports whether name is a bare content-hash chapter
// file such as "9f86d081884c7d65.mp3".
func IsHashedChapterName(name string) bool {
	return hashedPattern.MatchString(name)
}

// RecoverChapterName probes the container title tag of the audio file at
// path and returns its canonical chapter file name.
func RecoverChapterName(ctx context.Context, prober TitleProber, path string) (string, bool) {
	format, ok := domain.ParseChapterFormat(filepath.Ext(path))
	if !ok || prober == nil {
		return "", false
	}
	raw, err := prober.ProbeTitle(ctx, path)
	if err != nil {
		return "", false
	}
	tag, ok := chapter.DecodeTitleTag(raw)
	if !ok {
		return "", false
	}
	return chapter.EncodeFileName(tag.Index, tag.Title, format), true
}

func (m *AudiobooksMigrator) probeTitle(ctx context.Context, path string) string {
	if m.prober == nil {
		return ""
	}
	raw, err := m.prober.ProbeTitle(ctx, path)
	if err != nil {
		return ""
	}
	if tag, ok := chapter.DecodeTitleTag(raw); ok {
		return tag.Title
	}
	return ""
}

// placeFile renames src to dst when dst is absent. When dst holds the same
// bytes the source is dropped; different bytes leave both untouched.
func placeFile(src, dst string) (Outcome, error) {
	if _, err := os.Lstat(dst); errors.Is(err, fs.ErrNotExist) {
		if err := os.Rename(src, dst); err != nil {
			return Skipped, fmt.Errorf("rename chapter: %w", err)
		}
		return Migrated, nil
	}
	same, err := sameContent(src, dst)
	if err != nil {
		return Skipped, err
	}
	if !same {
		return Skipped, nil
	}
	if err := removeIfExists(src); err != nil {
		return Skipped, err
	}
	return Migrated, nil
}

func sameContent(a, b string) (bool, error) {
	ha, err := hashFile(a)
	if err != nil {
		return false, err
	}
	hb, err := hashFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ha, hb), nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return h.Sum(nil), nil
}

func readDirIfExists(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	return entries, nil
}
