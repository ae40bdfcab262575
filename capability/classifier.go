package capability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ianlintner/AI-Pipeline/model"
)

// HeuristicClassifier triages bug reports with keyword rules. It mirrors
// the guidelines the model-backed classifier is prompted with, so both
// produce verdicts in the same shape.
type HeuristicClassifier struct {
	clock func() time.Time
}

// NewHeuristicClassifier creates a rule-based classifier
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{clock: time.Now}
}

var criticalTerms = []string{
	"data loss", "security", "vulnerability", "exploit", "breach",
	"system down", "outage", "corrupt",
}

var highTerms = []string{
	"crash", "broken", "cannot", "can't", "fails", "failure",
	"unusable", "freezes", "hangs",
}

var mediumTerms = []string{
	"incorrect", "wrong", "unexpected", "error", "slow", "missing",
}

var categoryTerms = map[string][]string{
	"security":    {"security", "vulnerability", "exploit", "auth", "password", "token", "injection"},
	"database":    {"database", "sql", "query", "migration", "postgres", "mysql"},
	"performance": {"slow", "latency", "timeout", "memory", "leak", "cpu"},
	"frontend":    {"ui", "button", "page", "css", "layout", "render", "browser"},
	"backend":     {"api", "server", "endpoint", "service", "500", "handler"},
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// Classify derives priority, severity, and category from the report text
func (c *HeuristicClassifier) Classify(_ context.Context, report *model.BugReport) (*model.TriageResult, error) {
	if err := report.Validate(); err != nil {
		return nil, err
	}

	text := strings.ToLower(report.Title + " " + report.Description + " " + report.ActualBehavior)

	priority := model.PriorityLow
	severity := model.SeverityMinor
	effort := "small"
	switch {
	case containsAny(text, criticalTerms):
		priority = model.PriorityCritical
		severity = model.SeverityBlocker
		effort = "large"
	case containsAny(text, highTerms):
		priority = model.PriorityHigh
		severity = model.SeverityMajor
		effort = "medium"
	case containsAny(text, mediumTerms):
		priority = model.PriorityMedium
		severity = model.SeverityModerate
		effort = "medium"
	}

	category := "general"
	for _, name := range []string{"security", "database", "performance", "frontend", "backend"} {
		if containsAny(text, categoryTerms[name]) {
			category = name
			break
		}
	}

	labels := []string{"bug", "priority:" + string(priority)}
	if category != "general" {
		labels = append(labels, category)
	}

	return &model.TriageResult{
		BugReportID:     report.ID,
		Priority:        priority,
		Severity:        severity,
		Category:        category,
		Labels:          labels,
		TriageNotes:     fmt.Sprintf("Rule-based triage: matched %s priority terms, categorized as %s.", priority, category),
		EstimatedEffort: effort,
		CreatedAt:       c.clock(),
	}, nil
}
