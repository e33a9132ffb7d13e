package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"openreader/pkg/claim"
	"openreader/pkg/domain"
	"openreader/pkg/ffprobe"
	"openreader/pkg/layout"
	"openreader/pkg/migrate"
	"openreader/pkg/prune"
	"openreader/pkg/storage"
	"openreader/pkg/store"
)

const defaultPresignExpiry = 15 * time.Minute

// Prober reads container metadata from local audio files.
type Prober interface {
	ProbeTitle(ctx context.Context, path string) (string, error)
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL    string
	Store          store.Store
	StorageBackend string
	StorageRoot    string
	Namespace      string
	Minio          storage.MinioConfig
	// Remote replaces the object storage backend built from Minio.
	Remote         storage.Backend
	PresignExpiry  time.Duration
	MaxChapterSize int64
	FFprobeBinary  string
	Prober         Prober
	Logger         *slog.Logger
}

// App wires the storage backends, metadata store and the migration, prune
// and claim engines behind the operations the HTTP server exposes.
type App struct {
	store   store.Store
	local   *storage.FileStore
	remote  storage.Backend
	backend storage.Backend
	keys    layout.Keys

	runner  *migrate.Runner
	pruner  *prune.Pruner
	claims  *claim.Engine
	objects *migrate.ObjectStoreMigrator

	presigned      *cache.Cache
	prober         Prober
	locks          *bookLocks
	maxChapterSize int64
	logger         *slog.Logger
	now            func() time.Time
}

// New constructs the application. The local file store always exists since
// layout migrations operate on it; object storage is optional unless it is
// the active backend.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, ErrDatabaseRequired
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}
	local, err := storage.NewFileStore(cfg.StorageRoot, logger)
	if err != nil {
		return nil, err
	}

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	remote := cfg.Remote
	if remote == nil && strings.TrimSpace(cfg.Minio.Endpoint) != "" {
		minioCfg := cfg.Minio
		minioCfg.PresignExpiry = expiry
		objStore, err := storage.NewMinioStore(minioCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		remote = objStore
	}

	var backend storage.Backend
	switch cfg.StorageBackend {
	case "", domain.BackendLocal:
		backend = local
	case domain.BackendS3:
		if remote == nil {
			return nil, fmt.Errorf("storage backend %q needs object storage settings", cfg.StorageBackend)
		}
		backend = remote
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	prober := cfg.Prober
	if prober == nil && strings.TrimSpace(cfg.FFprobeBinary) != "" {
		prober = ffprobe.NewProber(cfg.FFprobeBinary)
	}
	var (
		titles    migrate.TitleProber
		durations migrate.DurationProber
	)
	if prober != nil {
		titles, durations = prober, prober
	}

	maxChapterSize := cfg.MaxChapterSize
	if maxChapterSize <= 0 {
		maxChapterSize = 512 << 20
	}

	keys := layout.NewKeys(cfg.Namespace)
	a := &App{
		store:          dataStore,
		local:          local,
		remote:         remote,
		backend:        backend,
		keys:           keys,
		presigned:      cache.New(expiry/2, expiry),
		prober:         prober,
		locks:          newBookLocks(),
		maxChapterSize: maxChapterSize,
		logger:         logger.With("component", "app"),
		now:            func() time.Time { return time.Now().UTC() },
	}
	a.runner = migrate.NewRunner(migrate.NewTracker(dataStore), logger,
		migrate.NewDocumentsMigrator(local, keys, logger),
		migrate.NewAudiobooksMigrator(local, keys, titles, logger),
	)
	a.pruner = prune.New(dataStore, backend, keys, logger)
	a.claims = claim.New(dataStore, backend, keys, logger)
	if remote != nil {
		a.objects = migrate.NewObjectStoreMigrator(local, remote, dataStore, keys, durations, logger)
	}
	return a, nil
}

// Close releases the metadata store.
func (a *App) Close() error {
	if c, ok := a.store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// BackendKind reports which backend serves reads and writes.
func (a *App) BackendKind() string {
	return a.backend.Kind()
}

// EnsureReady brings both layouts up to date. Once both phases are flagged
// it costs a state read and a scan per phase.
func (a *App) EnsureReady(ctx context.Context) error {
	if _, err := a.runner.EnsureDocumentsLayout(ctx); err != nil {
		return fmt.Errorf("ensure documents layout: %w", err)
	}
	if _, err := a.runner.EnsureAudiobooksLayout(ctx); err != nil {
		return fmt.Errorf("ensure audiobooks layout: %w", err)
	}
	return nil
}

// EnsureLayout runs one layout migration phase and reports whether anything moved.
func (a *App) EnsureLayout(ctx context.Context, phase migrate.Phase) (bool, error) {
	return a.runner.Ensure(ctx, phase)
}

// Claim moves every artifact of fromOwnerID to toOwnerID. Claims from the
// same owner run one at a time.
func (a *App) Claim(ctx context.Context, fromOwnerID, toOwnerID string) (claim.Result, error) {
	if err := a.EnsureReady(ctx); err != nil {
		return claim.Result{}, err
	}
	release := a.locks.lock("claim:" + fromOwnerID)
	defer release()
	res, err := a.claims.Claim(ctx, fromOwnerID, toOwnerID)
	if errors.Is(err, claim.ErrInvalidOwner) {
		return res, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err != nil {
		return res, err
	}
	if res.Audiobooks > 0 {
		a.presigned.Flush()
	}
	return res, nil
}

// MigrateToObjectStorage copies the local layout into object storage.
func (a *App) MigrateToObjectStorage(ctx context.Context, opts migrate.ObjectOptions) (migrate.ObjectReport, error) {
	if a.objects == nil {
		return migrate.ObjectReport{}, ErrObjectStorageAbsent
	}
	if err := a.EnsureReady(ctx); err != nil {
		return migrate.ObjectReport{}, err
	}
	return a.objects.MigrateToObjectStorage(ctx, opts)
}

func validateBook(ownerID, bookID string) error {
	if err := layout.ValidateID(ownerID); err != nil {
		return fmt.Errorf("%w: owner: %w", ErrInvalidInput, err)
	}
	if err := layout.ValidateID(bookID); err != nil {
		return fmt.Errorf("%w: book: %w", ErrInvalidInput, err)
	}
	return nil
}

// localCopy returns a filesystem path holding the object at key, copying it
// to a temp file when the backend is not local.
func (a *App) localCopy(ctx context.Context, key string) (string, func(), error) {
	if resolver, ok := a.backend.(storage.PathResolver); ok {
		p, err := resolver.LocalPath(key)
		return p, func() {}, err
	}
	data, err := a.backend.GetObject(ctx, key)
	if err != nil {
		return "", nil, err
	}
	return writeTemp(data, path.Ext(key))
}

func writeTemp(data []byte, ext string) (string, func(), error) {
	f, err := os.CreateTemp("", "openreader-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), cleanup, nil
}
