// Package capability holds the pluggable skills the pipeline stages run:
// triage classification, issue formatting, and issue creation. Each skill
// has a model-backed implementation and a deterministic local one, so the
// pipeline runs with or without an LLM provider.
package capability

import (
	"context"

	"github.com/ianlintner/AI-Pipeline/model"
)

// Classifier produces a triage verdict for a bug report
type Classifier interface {
	Classify(ctx context.Context, report *model.BugReport) (*model.TriageResult, error)
}

// Formatter renders a triaged bug report into a tracker-ready issue
type Formatter interface {
	Format(ctx context.Context, report *model.BugReport, triage *model.TriageResult) (*model.GitHubIssue, error)
}

// TicketSink creates the issue in the external tracker
type TicketSink interface {
	CreateIssue(ctx context.Context, req *model.TicketCreationRequest) (*model.IssueRef, error)
}
