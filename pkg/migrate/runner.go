// Package migrate moves storage from historical layouts into the versioned
// layout and from the local filesystem into object storage.
//
// Layout migrations are lazy. Every storage-touching request calls Ensure,
// which returns immediately once a phase is flagged complete and a scan of
// the legacy locations comes back empty. Every step is idempotent, so
// redundant runs from concurrent requests or processes are harmless.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// maxPasses bounds how often one run rescans. Merging a legacy book
// directory can surface chapter pairs that only the next pass sees.
const maxPasses = 3

// defaultRunTimeout bounds a shared run once it is detached from the
// request that started it.
const defaultRunTimeout = 10 * time.Minute

// Outcome is the result of migrating one artifact.
type Outcome int

const (
	// Migrated means the artifact now lives in the current layout.
	Migrated Outcome = iota
	// Skipped means the artifact could not be interpreted and was left in place.
	Skipped
)

// Artifact is one legacy item found by a scan.
type Artifact struct {
	Kind  string
	Path  string
	Index int
}

// Migrator scans and converts the legacy shapes of one phase.
type Migrator interface {
	Phase() Phase
	Scan(ctx context.Context) ([]Artifact, error)
	Migrate(ctx context.Context, a Artifact) (Outcome, error)
}

// Report counts the work done by one run of a phase.
type Report struct {
	Phase     Phase `json:"phase"`
	Scanned   int   `json:"scanned"`
	Migrated  int   `json:"migrated"`
	Skipped   int   `json:"skipped"`
	Failed    int   `json:"failed"`
	Remaining int   `json:"remaining"`
	Completed bool  `json:"completed"`
}

// Runner drives migrators and persists their completion.
type Runner struct {
	tracker   *Tracker
	migrators map[Phase]Migrator
	logger    *slog.Logger
	group     singleflight.Group
	timeout   time.Duration
}

func NewRunner(tracker *Tracker, logger *slog.Logger, migrators ...Migrator) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		tracker:   tracker,
		migrators: make(map[Phase]Migrator, len(migrators)),
		logger:    logger.With("component", "migrate"),
		timeout:   defaultRunTimeout,
	}
	for _, m := range migrators {
		r.migrators[m.Phase()] = m
	}
	return r
}

// EnsureDocumentsLayout brings documents into documents_v1. It reports
// whether any artifact was migrated.
func (r *Runner) EnsureDocumentsLayout(ctx context.Context) (bool, error) {
	return r.Ensure(ctx, PhaseDocuments)
}

// EnsureAudiobooksLayout brings audiobooks into audiobooks_v1. It reports
// whether any artifact was migrated.
func (r *Runner) EnsureAudiobooksLayout(ctx context.Context) (bool, error) {
	return r.Ensure(ctx, PhaseAudiobooks)
}

// Ensure runs phase, sharing one run between concurrent callers. The shared
// run does not inherit the caller's cancellation; a caller whose context ends
// stops waiting while the run continues for the others.
func (r *Runner) Ensure(ctx context.Context, phase Phase) (bool, error) {
	ch := r.group.DoChan(string(phase), func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.Run(runCtx, phase)
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(Report).Migrated > 0, nil
	}
}

// Run executes one phase: fast path when flagged and clean, otherwise
// migrate, rescan and persist the flag once the final scan finds no legacy
// artifact at all. Skipped artifacts keep the phase unflagged.
func (r *Runner) Run(ctx context.Context, phase Phase) (Report, error) {
	report := Report{Phase: phase}
	m, ok := r.migrators[phase]
	if !ok {
		return report, fmt.Errorf("no migrator for phase %q", phase)
	}
	state, err := r.tracker.Load()
	if err != nil {
		return report, err
	}
	pending, err := m.Scan(ctx)
	if err != nil {
		return report, fmt.Errorf("scan %s: %w", phase, err)
	}
	if len(pending) == 0 {
		if !Completed(state, phase) {
			if err := r.tracker.MarkComplete(phase); err != nil {
				return report, err
			}
		}
		report.Completed = true
		return report, nil
	}

	log := r.logger.With("phase", string(phase))
	log.Info("layout migration started", "legacy", len(pending))
	skipped := make(map[Artifact]bool)
	for pass := 0; pass < maxPasses && len(pending) > 0; pass++ {
		migratedThisPass := 0
		for _, a := range pending {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if skipped[a] {
				continue
			}
			report.Scanned++
			outcome, err := m.Migrate(ctx, a)
			switch {
			case err != nil:
				report.Failed++
				log.Warn("migrate artifact failed", "kind", a.Kind, "path", a.Path, "err", err)
			case outcome == Skipped:
				report.Skipped++
				skipped[a] = true
				log.Warn("legacy artifact left in place", "kind", a.Kind, "path", a.Path)
			default:
				report.Migrated++
				migratedThisPass++
			}
		}
		if pending, err = m.Scan(ctx); err != nil {
			return report, fmt.Errorf("rescan %s: %w", phase, err)
		}
		if migratedThisPass == 0 {
			break
		}
	}

	report.Remaining = len(pending)
	if report.Remaining == 0 && report.Failed == 0 {
		if err := r.tracker.MarkComplete(phase); err != nil {
			return report, err
		}
		report.Completed = true
	}
	log.Info("layout migration finished",
		"migrated", report.Migrated,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"remaining", report.Remaining,
		"completed", report.Completed,
	)
	return report, nil
}
