// Package model defines the data types that flow through the bug report
// triage pipeline: the immutable BugReport input, the DTOs handed between
// stages, and the mutable per-request lifecycle state.
package model

import (
	"fmt"
	"time"
)

// Priority classifies how urgently a bug should be addressed
type Priority string

// Priority levels
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority level
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Severity classifies the impact of a bug
type Severity string

// Severity levels
const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
	SeverityBlocker  Severity = "blocker"
)

// Valid reports whether s is a known severity level
func (s Severity) Valid() bool {
	switch s {
	case SeverityMinor, SeverityModerate, SeverityMajor, SeverityBlocker:
		return true
	}
	return false
}

// TicketStatus is the lifecycle status of a request. Transitions move
// monotonically forward through the pipeline; StatusCreated and StatusFailed
// are absorbing.
type TicketStatus string

// Lifecycle statuses in pipeline order
const (
	StatusSubmitted  TicketStatus = "submitted"
	StatusPending    TicketStatus = "pending"
	StatusTriaged    TicketStatus = "triaged"
	StatusInProgress TicketStatus = "in_progress"
	StatusCreated    TicketStatus = "created"
	StatusFailed     TicketStatus = "failed"
)

// Terminal reports whether the status is absorbing: no further transitions
// are permitted out of a terminal status.
func (s TicketStatus) Terminal() bool {
	return s == StatusCreated || s == StatusFailed
}

// rank orders the non-failure statuses along the pipeline.
func (s TicketStatus) rank() int {
	switch s {
	case StatusSubmitted:
		return 0
	case StatusPending:
		return 1
	case StatusTriaged:
		return 2
	case StatusInProgress:
		return 3
	case StatusCreated:
		return 4
	default:
		return -1
	}
}

// CanTransition reports whether a transition from s to next is permitted:
// forward along the pipeline, or to StatusFailed from any non-terminal
// status. Terminal statuses permit nothing.
func (s TicketStatus) CanTransition(next TicketStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() > s.rank()
}

// Valid reports whether s is a known status
func (s TicketStatus) Valid() bool {
	return s == StatusFailed || s.rank() >= 0
}

// BugReport is the immutable input record. Identity is the externally
// assigned ID; the record is never mutated after creation.
type BugReport struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Reporter         string         `json:"reporter"`
	Environment      string         `json:"environment,omitempty"`
	StepsToReproduce string         `json:"steps_to_reproduce,omitempty"`
	ExpectedBehavior string         `json:"expected_behavior,omitempty"`
	ActualBehavior   string         `json:"actual_behavior,omitempty"`
	Attachments      []string       `json:"attachments,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Validate checks the required BugReport fields
func (b *BugReport) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("bug report: id is required")
	}
	if b.Title == "" {
		return fmt.Errorf("bug report %s: title is required", b.ID)
	}
	if b.Description == "" {
		return fmt.Errorf("bug report %s: description is required", b.ID)
	}
	if b.Reporter == "" {
		return fmt.Errorf("bug report %s: reporter is required", b.ID)
	}
	return nil
}

// TriageResult is the classifier's verdict for one bug report
type TriageResult struct {
	BugReportID        string    `json:"bug_report_id"`
	Priority           Priority  `json:"priority"`
	Severity           Severity  `json:"severity"`
	Category           string    `json:"category"`
	Labels             []string  `json:"labels,omitempty"`
	AssigneeSuggestion string    `json:"assignee_suggestion,omitempty"`
	DuplicateOf        string    `json:"duplicate_of,omitempty"`
	TriageNotes        string    `json:"triage_notes"`
	EstimatedEffort    string    `json:"estimated_effort,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Validate checks the required TriageResult fields
func (t *TriageResult) Validate() error {
	if t.BugReportID == "" {
		return fmt.Errorf("triage result: bug_report_id is required")
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("triage result %s: invalid priority %q", t.BugReportID, t.Priority)
	}
	if !t.Severity.Valid() {
		return fmt.Errorf("triage result %s: invalid severity %q", t.BugReportID, t.Severity)
	}
	if t.Category == "" {
		return fmt.Errorf("triage result %s: category is required", t.BugReportID)
	}
	return nil
}

// GitHubIssue is the formatted issue ready for the tracker
type GitHubIssue struct {
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Labels    []string `json:"labels,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
	Milestone string   `json:"milestone,omitempty"`
}

// TicketCreationRequest bundles everything the sink needs to create the
// issue. Immutable once constructed; carries the originating identifiers
// for correlation.
type TicketCreationRequest struct {
	BugReport    BugReport    `json:"bug_report"`
	TriageResult TriageResult `json:"triage_result"`
	GitHubIssue  GitHubIssue  `json:"github_issue"`
	RequestID    string       `json:"request_id"`
	CreatedAt    time.Time    `json:"created_at"`
}

// IssueRef identifies a created tracker issue
type IssueRef struct {
	Number int    `json:"number"`
	URL    string `json:"html_url"`
	Title  string `json:"title,omitempty"`
}

// ProgressEntry records the completion of one pipeline step. Entries are
// append-only and kept in execution order.
type ProgressEntry struct {
	Step      string         `json:"step"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RequestState is the mutable lifecycle record for one in-flight request,
// keyed by the server-generated request ID.
//
// Invariants: status transitions follow TicketStatus.CanTransition;
// UpdatedAt >= CreatedAt; ErrorMessage is set iff status is failed; the
// issue number and URL are set iff status is created.
type RequestState struct {
	RequestID         string          `json:"request_id"`
	BugReportID       string          `json:"bug_report_id"`
	Status            TicketStatus    `json:"status"`
	CurrentStep       string          `json:"current_step"`
	Progress          []ProgressEntry `json:"progress,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	GitHubIssueNumber int             `json:"github_issue_number,omitempty"`
	GitHubIssueURL    string          `json:"github_issue_url,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// StatusUpdate is the broadcast event reporting a request's lifecycle
// state, published by every stage to the shared status topic.
type StatusUpdate struct {
	RequestID string         `json:"request_id"`
	Status    TicketStatus   `json:"status"`
	Message   string         `json:"message"`
	Agent     string         `json:"agent"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Metadata keys used on status events
const (
	MetaIssueNumber    = "github_issue_number"
	MetaIssueURL       = "github_issue_url"
	MetaIssueTitle     = "title"
	MetaTimeout        = "timeout"
	MetaLastStatus     = "last_status"
	MetaLastAgent      = "last_agent"
	MetaProcessingTime = "processing_time_seconds"
)
