// Package statestore persists the per-request lifecycle record. The durable
// implementation keys records by "request:<request_id>" in a NATS KV bucket
// whose TTL equals the pipeline timeout budget; every write is a new KV
// revision, so the expiry window slides forward on each update.
package statestore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ianlintner/AI-Pipeline/errors"
	"github.com/ianlintner/AI-Pipeline/model"
	"github.com/ianlintner/AI-Pipeline/natsclient"
)

// KeyPrefix namespaces request records within the bucket
const KeyPrefix = "request."

// DefaultBucket is the KV bucket holding request state
const DefaultBucket = "bug_requests"

// Store is the durable, NATS KV backed state store
type Store struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
	clock  func() time.Time
}

// New creates a store over a KV bucket wrapper
func New(kv *natsclient.KVStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     kv,
		logger: logger.With("component", "statestore"),
		clock:  time.Now,
	}
}

func requestKey(requestID string) string {
	return KeyPrefix + requestID
}

// Create writes the initial lifecycle record for a request. Idempotent on
// redelivery: an existing record is overwritten with a fresh pending state.
func (s *Store) Create(ctx context.Context, requestID, bugReportID, initialStep string) (*model.RequestState, error) {
	state := newState(requestID, bugReportID, initialStep, s.clock())

	data, err := json.Marshal(state)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Create", "marshal state")
	}

	if _, err := s.kv.Put(ctx, requestKey(requestID), data); err != nil {
		return nil, errors.WrapTransient(err, "Store", "Create", "write state")
	}

	s.logger.Info("Created request state",
		"request_id", requestID,
		"bug_report_id", bugReportID)
	return state, nil
}

// Get returns the lifecycle record, or ErrRequestNotFound when the record
// is absent or has expired.
func (s *Store) Get(ctx context.Context, requestID string) (*model.RequestState, error) {
	entry, err := s.kv.Get(ctx, requestKey(requestID))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.ErrRequestNotFound
		}
		return nil, errors.WrapTransient(err, "Store", "Get", "read state")
	}

	var state model.RequestState
	if err := json.Unmarshal(entry.Value, &state); err != nil {
		return nil, errors.WrapInvalid(err, "Store", "Get", "unmarshal state")
	}
	return &state, nil
}

// mutate applies fn to the current record under a CAS retry loop. fn
// returns false to signal a no-op (the record is left untouched).
func (s *Store) mutate(ctx context.Context, requestID string, fn func(*model.RequestState) bool) error {
	var noop bool
	err := s.kv.UpdateWithRetry(ctx, requestKey(requestID), func(current []byte) ([]byte, error) {
		if len(current) == 0 {
			return nil, errors.ErrRequestNotFound
		}

		var state model.RequestState
		if err := json.Unmarshal(current, &state); err != nil {
			return nil, errors.WrapInvalid(err, "Store", "mutate", "unmarshal state")
		}

		if !fn(&state) {
			noop = true
			return current, nil
		}
		state.UpdatedAt = s.clock()

		return json.Marshal(&state)
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrRequestNotFound) {
			return errors.ErrRequestNotFound
		}
		return errors.WrapTransient(err, "Store", "mutate", "update state")
	}
	if noop {
		s.logger.Debug("State update skipped", "request_id", requestID)
	}
	return nil
}

// AppendProgress appends a step-completion entry to the progress log and
// advances current_step.
func (s *Store) AppendProgress(ctx context.Context, requestID, step string, data map[string]any) error {
	return s.mutate(ctx, requestID, func(state *model.RequestState) bool {
		return appendProgress(state, step, data, s.clock())
	})
}

// SetStatus transitions the record's status. Transitions that would move
// backwards or out of a terminal status are silently skipped, which makes
// replayed and duplicate events harmless.
func (s *Store) SetStatus(ctx context.Context, requestID string, status model.TicketStatus, currentStep string) error {
	return s.mutate(ctx, requestID, func(state *model.RequestState) bool {
		return applyStatus(state, status, currentStep)
	})
}

// SetError marks the request failed with a human-readable message.
// A no-op when the record is already terminal.
func (s *Store) SetError(ctx context.Context, requestID, errorMessage string) error {
	return s.mutate(ctx, requestID, func(state *model.RequestState) bool {
		return applyError(state, errorMessage)
	})
}

// MarkCompleted records the created issue and moves the request to its
// terminal success status.
func (s *Store) MarkCompleted(ctx context.Context, requestID string, issueNumber int, issueURL string) error {
	return s.mutate(ctx, requestID, func(state *model.RequestState) bool {
		return applyCompleted(state, issueNumber, issueURL)
	})
}

// ListAll returns every live request record keyed by request ID. Records
// that expire between listing and reading are skipped.
func (s *Store) ListAll(ctx context.Context) (map[string]*model.RequestState, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "ListAll", "list keys")
	}

	states := make(map[string]*model.RequestState)
	for _, key := range keys {
		requestID, ok := strings.CutPrefix(key, KeyPrefix)
		if !ok {
			continue
		}
		state, err := s.Get(ctx, requestID)
		if err != nil {
			continue
		}
		states[requestID] = state
	}
	return states, nil
}

// Delete removes a request record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, requestID string) error {
	err := s.kv.Delete(ctx, requestKey(requestID))
	if err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "Store", "Delete", "delete state")
	}
	return nil
}

// CleanupCompleted deletes terminal records whose last update is older than
// the grace period. Returns the number of records removed.
func (s *Store) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	states, err := s.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.clock().Add(-olderThan)
	cleaned := 0
	for requestID, state := range states {
		if !state.Status.Terminal() || state.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, requestID); err != nil {
			s.logger.Warn("Cleanup delete failed", "request_id", requestID, "error", err)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		s.logger.Info("Cleaned up completed requests", "count", cleaned)
	}
	return cleaned, nil
}
