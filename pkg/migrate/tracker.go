package migrate

import (
	"fmt"
	"time"

	"openreader/pkg/domain"
)

// Phase names one layout migration.
type Phase string

const (
	PhaseDocuments  Phase = "documents_v1"
	PhaseAudiobooks Phase = "audiobooks_v1"
)

// StateStore persists the single migration record.
type StateStore interface {
	GetMigrationState() (domain.MigrationState, error)
	SaveMigrationState(domain.MigrationState) error
}

// Tracker reads and advances the migration record. The record only moves
// from false to true, so concurrent writers are last-write-wins.
type Tracker struct {
	store StateStore
	now   func() time.Time
}

func NewTracker(store StateStore) *Tracker {
	return &Tracker{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Load returns the current record.
func (t *Tracker) Load() (domain.MigrationState, error) {
	state, err := t.store.GetMigrationState()
	if err != nil {
		return domain.MigrationState{}, fmt.Errorf("load migration state: %w", err)
	}
	return state, nil
}

// Completed reports whether phase is flagged done in state.
func Completed(state domain.MigrationState, phase Phase) bool {
	switch phase {
	case PhaseDocuments:
		return state.DocumentsV1Migrated
	case PhaseAudiobooks:
		return state.AudiobooksV1Migrated
	}
	return false
}

// MarkComplete sets the flag for phase, re-reading the record first so the
// other phase's flag is preserved.
func (t *Tracker) MarkComplete(phase Phase) error {
	state, err := t.Load()
	if err != nil {
		return err
	}
	switch phase {
	case PhaseDocuments:
		state.DocumentsV1Migrated = true
	case PhaseAudiobooks:
		state.AudiobooksV1Migrated = true
	default:
		return fmt.Errorf("unknown migration phase %q", phase)
	}
	state.UpdatedAt = t.now()
	if err := t.store.SaveMigrationState(state); err != nil {
		return fmt.Errorf("save migration state: %w", err)
	}
	return nil
}
