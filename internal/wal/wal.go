// Package wal implements the write-ahead intent log described in spec
// §4.1: every externally-visible action is recorded PENDING before it is
// attempted, then advanced to EXECUTING and finally to a terminal state.
// Grounded in the transactional insert-then-update pattern of the
// LucasAlvesSoares order_manager.go reference file, adapted onto gorm.
package wal

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/winwindow/internal/store"
)

// WAL is the sole writer of intent rows.
type WAL struct {
	store *store.Store
}

func New(s *store.Store) *WAL {
	return &WAL{store: s}
}

// LogIntent inserts a PENDING row and must be called, and succeed, before
// any external side effect. A failure here means the caller must abort
// without touching the exchange.
func (w *WAL) LogIntent(kind store.IntentKind, windowID string, payload interface{}) (uint, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal payload: %w", err)
	}
	in := &store.Intent{
		Kind:     kind,
		WindowID: windowID,
		Payload:  string(raw),
		State:    store.IntentPending,
	}
	if err := w.store.InsertIntent(in); err != nil {
		return 0, fmt.Errorf("wal: log intent: %w", err)
	}
	return in.ID, nil
}

// MarkExecuting transitions PENDING → EXECUTING. Idempotent: a no-op if
// the intent is already EXECUTING.
func (w *WAL) MarkExecuting(intentID uint) error {
	in, err := w.store.GetIntent(intentID)
	if err != nil {
		return fmt.Errorf("wal: mark executing: %w", err)
	}
	if in.State == store.IntentExecuting {
		return nil
	}
	if in.State != store.IntentPending {
		log.Warn().Uint("intent_id", intentID).Str("state", string(in.State)).
			Msg("wal: mark executing from unexpected state")
	}
	in.State = store.IntentExecuting
	return w.store.UpdateIntent(in)
}

// MarkCompleted transitions EXECUTING → COMPLETED with a result blob.
// Calling this twice with an equal result is a no-op; calling it twice
// with a differing result is logged at error level but does not panic —
// the exchange side effect already happened and cannot be undone.
func (w *WAL) MarkCompleted(intentID uint, result interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("wal: marshal result: %w", err)
	}
	in, err := w.store.GetIntent(intentID)
	if err != nil {
		return fmt.Errorf("wal: mark completed: %w", err)
	}
	if in.State == store.IntentCompleted {
		if in.Result == string(raw) {
			return nil
		}
		log.Error().Uint("intent_id", intentID).
			Str("previous_result", in.Result).Str("new_result", string(raw)).
			Msg("wal: re-completing intent with differing result")
	}
	if in.State == store.IntentFailed {
		log.Error().Uint("intent_id", intentID).Str("previous_error", in.Error).
			Msg("wal: completing an intent already marked FAILED")
	}
	in.State = store.IntentCompleted
	in.Result = string(raw)
	return w.store.UpdateIntent(in)
}

// MarkFailed transitions EXECUTING → FAILED with an error message.
func (w *WAL) MarkFailed(intentID uint, cause error) error {
	in, err := w.store.GetIntent(intentID)
	if err != nil {
		return fmt.Errorf("wal: mark failed: %w", err)
	}
	if in.State == store.IntentFailed {
		return nil
	}
	if in.State == store.IntentCompleted {
		log.Error().Uint("intent_id", intentID).Str("previous_result", in.Result).
			Msg("wal: failing an intent already marked COMPLETED")
	}
	in.State = store.IntentFailed
	in.Error = cause.Error()
	return w.store.UpdateIntent(in)
}

// Get returns the intent row as-is, for the Reconciler and for tests.
func (w *WAL) Get(intentID uint) (*store.Intent, error) {
	return w.store.GetIntent(intentID)
}

// Executing returns all intents currently in EXECUTING state — the
// Reconciler's candidate set on startup.
func (w *WAL) Executing() ([]store.Intent, error) {
	return w.store.IntentsInState(store.IntentExecuting)
}
