package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/ianlintner/AI-Pipeline/model"
)

// TemplateFormatter renders issues from a fixed markdown layout. The
// section structure matches what the model-backed formatter is prompted
// to produce.
type TemplateFormatter struct{}

// NewTemplateFormatter creates a deterministic issue formatter
func NewTemplateFormatter() *TemplateFormatter {
	return &TemplateFormatter{}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// Format builds the issue title and markdown body
func (f *TemplateFormatter) Format(_ context.Context, report *model.BugReport, triage *model.TriageResult) (*model.GitHubIssue, error) {
	if err := report.Validate(); err != nil {
		return nil, err
	}
	if err := triage.Validate(); err != nil {
		return nil, err
	}

	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(triage.Priority)), report.Title)

	var b strings.Builder
	b.WriteString("## Description\n")
	b.WriteString(report.Description + "\n\n")

	b.WriteString("## Environment\n")
	b.WriteString(orDefault(report.Environment, "Not specified") + "\n\n")

	b.WriteString("## Steps to Reproduce\n")
	b.WriteString(orDefault(report.StepsToReproduce, "Not provided") + "\n\n")

	b.WriteString("## Expected Behavior\n")
	b.WriteString(orDefault(report.ExpectedBehavior, "Not specified") + "\n\n")

	b.WriteString("## Actual Behavior\n")
	b.WriteString(orDefault(report.ActualBehavior, "Not specified") + "\n\n")

	b.WriteString("## Additional Information\n")
	fmt.Fprintf(&b, "- **Reporter:** %s\n", report.Reporter)
	if len(report.Attachments) > 0 {
		fmt.Fprintf(&b, "- **Attachments:** %s\n", strings.Join(report.Attachments, ", "))
	}
	fmt.Fprintf(&b, "- **Reported:** %s\n\n", report.CreatedAt.Format("2006-01-02 15:04:05 MST"))

	b.WriteString("## Triage Information\n")
	fmt.Fprintf(&b, "- **Priority:** %s\n", triage.Priority)
	fmt.Fprintf(&b, "- **Severity:** %s\n", triage.Severity)
	fmt.Fprintf(&b, "- **Category:** %s\n", triage.Category)
	if triage.EstimatedEffort != "" {
		fmt.Fprintf(&b, "- **Estimated Effort:** %s\n", triage.EstimatedEffort)
	}
	if triage.TriageNotes != "" {
		b.WriteString("\n" + triage.TriageNotes + "\n")
	}

	return &model.GitHubIssue{
		Title:     title,
		Body:      b.String(),
		Labels:    append([]string(nil), triage.Labels...),
		Assignees: assignees(triage),
		Milestone: "",
	}, nil
}

func assignees(triage *model.TriageResult) []string {
	if triage.AssigneeSuggestion == "" {
		return nil
	}
	return []string{triage.AssigneeSuggestion}
}
