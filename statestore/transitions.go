package statestore

import (
	"time"

	"github.com/ianlintner/AI-Pipeline/model"
)

// StepSubmitted is the progress step recorded when a request enters the
// pipeline; StepCompleted when the issue has been created.
const (
	StepSubmitted = "submitted"
	StepCompleted = "completed"
)

func newState(requestID, bugReportID, currentStep string, now time.Time) *model.RequestState {
	if currentStep == "" {
		currentStep = StepSubmitted
	}
	return &model.RequestState{
		RequestID:   requestID,
		BugReportID: bugReportID,
		Status:      model.StatusPending,
		CurrentStep: currentStep,
		Progress:    []model.ProgressEntry{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func appendProgress(state *model.RequestState, step string, data map[string]any, now time.Time) bool {
	state.Progress = append(state.Progress, model.ProgressEntry{
		Step:      step,
		Data:      data,
		Timestamp: now,
	})
	state.CurrentStep = step
	return true
}

// applyStatus enforces the forward-only lifecycle: duplicates and
// backward moves are skipped, terminal records never change again.
func applyStatus(state *model.RequestState, status model.TicketStatus, currentStep string) bool {
	if !state.Status.CanTransition(status) {
		return false
	}
	state.Status = status
	if currentStep != "" {
		state.CurrentStep = currentStep
	}
	return true
}

func applyError(state *model.RequestState, errorMessage string) bool {
	if !state.Status.CanTransition(model.StatusFailed) {
		return false
	}
	state.Status = model.StatusFailed
	state.ErrorMessage = errorMessage
	return true
}

func applyCompleted(state *model.RequestState, issueNumber int, issueURL string) bool {
	if !state.Status.CanTransition(model.StatusCreated) {
		return false
	}
	state.Status = model.StatusCreated
	state.CurrentStep = StepCompleted
	state.GitHubIssueNumber = issueNumber
	state.GitHubIssueURL = issueURL
	return true
}
