package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/ianlintner/AI-Pipeline/errors"
	"github.com/ianlintner/AI-Pipeline/model"
)

// Memory is an in-process state store with the same semantics as the
// durable Store, used by tests and single-process runs.
type Memory struct {
	mu     sync.RWMutex
	states map[string]*model.RequestState
	clock  func() time.Time

	// FailWrites and FailReads force calls to return a transient
	// error, for exercising failure paths in tests.
	FailWrites bool
	FailReads  bool
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		states: make(map[string]*model.RequestState),
		clock:  time.Now,
	}
}

func (m *Memory) writeError(method string) error {
	return errors.WrapTransient(errors.ErrStorageUnavailable, "Memory", method, "write state")
}

func copyState(state *model.RequestState) *model.RequestState {
	cp := *state
	cp.Progress = make([]model.ProgressEntry, len(state.Progress))
	copy(cp.Progress, state.Progress)
	return &cp
}

// Create writes the initial lifecycle record for a request
func (m *Memory) Create(_ context.Context, requestID, bugReportID, initialStep string) (*model.RequestState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return nil, m.writeError("Create")
	}

	state := newState(requestID, bugReportID, initialStep, m.clock())
	m.states[requestID] = state
	return copyState(state), nil
}

// Get returns a copy of the lifecycle record
func (m *Memory) Get(_ context.Context, requestID string) (*model.RequestState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailReads {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, "Memory", "Get", "read state")
	}

	state, ok := m.states[requestID]
	if !ok {
		return nil, errors.ErrRequestNotFound
	}
	return copyState(state), nil
}

func (m *Memory) mutate(method, requestID string, fn func(*model.RequestState) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return m.writeError(method)
	}

	state, ok := m.states[requestID]
	if !ok {
		return errors.ErrRequestNotFound
	}
	if fn(state) {
		state.UpdatedAt = m.clock()
	}
	return nil
}

// AppendProgress appends a step-completion entry to the progress log
func (m *Memory) AppendProgress(_ context.Context, requestID, step string, data map[string]any) error {
	return m.mutate("AppendProgress", requestID, func(state *model.RequestState) bool {
		return appendProgress(state, step, data, m.clock())
	})
}

// SetStatus transitions the record's status, skipping backward moves
func (m *Memory) SetStatus(_ context.Context, requestID string, status model.TicketStatus, currentStep string) error {
	return m.mutate("SetStatus", requestID, func(state *model.RequestState) bool {
		return applyStatus(state, status, currentStep)
	})
}

// SetError marks the request failed
func (m *Memory) SetError(_ context.Context, requestID, errorMessage string) error {
	return m.mutate("SetError", requestID, func(state *model.RequestState) bool {
		return applyError(state, errorMessage)
	})
}

// MarkCompleted records the created issue and the terminal success status
func (m *Memory) MarkCompleted(_ context.Context, requestID string, issueNumber int, issueURL string) error {
	return m.mutate("MarkCompleted", requestID, func(state *model.RequestState) bool {
		return applyCompleted(state, issueNumber, issueURL)
	})
}

// ListAll returns copies of every record keyed by request ID
func (m *Memory) ListAll(_ context.Context) (map[string]*model.RequestState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailReads {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, "Memory", "ListAll", "list state")
	}

	states := make(map[string]*model.RequestState, len(m.states))
	for requestID, state := range m.states {
		states[requestID] = copyState(state)
	}
	return states, nil
}

// Delete removes a request record. Absent records are not an error.
func (m *Memory) Delete(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return m.writeError("Delete")
	}
	delete(m.states, requestID)
	return nil
}

// CleanupCompleted deletes terminal records last updated before the grace
// period.
func (m *Memory) CleanupCompleted(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock().Add(-olderThan)
	cleaned := 0
	for requestID, state := range m.states {
		if state.Status.Terminal() && !state.UpdatedAt.After(cutoff) {
			delete(m.states, requestID)
			cleaned++
		}
	}
	return cleaned, nil
}
