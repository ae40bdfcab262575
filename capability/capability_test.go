package capability

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianlintner/AI-Pipeline/errors"
	"github.com/ianlintner/AI-Pipeline/model"
	"github.com/ianlintner/AI-Pipeline/pkg/retry"
)

func sampleReport() *model.BugReport {
	return &model.BugReport{
		ID:               "bug-1",
		Title:            "Login button unresponsive",
		Description:      "Clicking the login button does nothing on the signin page",
		Reporter:         "alice@example.com",
		Environment:      "Chrome 120, macOS",
		StepsToReproduce: "1. Open signin page\n2. Click login",
		ExpectedBehavior: "User is logged in",
		ActualBehavior:   "Nothing happens",
		CreatedAt:        time.Now(),
	}
}

func TestHeuristicClassifierCritical(t *testing.T) {
	report := sampleReport()
	report.Description = "Security vulnerability allows data loss in user accounts"

	result, err := NewHeuristicClassifier().Classify(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityCritical, result.Priority)
	assert.Equal(t, model.SeverityBlocker, result.Severity)
	assert.Equal(t, "security", result.Category)
	assert.NoError(t, result.Validate())
}

func TestHeuristicClassifierDefaultsLow(t *testing.T) {
	report := sampleReport()
	report.Title = "Typo in footer copyright"
	report.Description = "The footer shows the previous year"
	report.ActualBehavior = ""

	result, err := NewHeuristicClassifier().Classify(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityLow, result.Priority)
	assert.Equal(t, model.SeverityMinor, result.Severity)
	assert.Contains(t, result.Labels, "bug")
}

func TestHeuristicClassifierRejectsInvalid(t *testing.T) {
	report := sampleReport()
	report.Title = ""

	_, err := NewHeuristicClassifier().Classify(context.Background(), report)
	assert.Error(t, err)
}

func TestTemplateFormatter(t *testing.T) {
	report := sampleReport()
	triage := &model.TriageResult{
		BugReportID:     "bug-1",
		Priority:        model.PriorityHigh,
		Severity:        model.SeverityMajor,
		Category:        "frontend",
		Labels:          []string{"bug", "frontend"},
		TriageNotes:     "Affects all users on the signin page.",
		EstimatedEffort: "medium",
	}

	issue, err := NewTemplateFormatter().Format(context.Background(), report, triage)
	require.NoError(t, err)

	assert.Equal(t, "[HIGH] Login button unresponsive", issue.Title)
	assert.Contains(t, issue.Body, "## Description")
	assert.Contains(t, issue.Body, "## Steps to Reproduce")
	assert.Contains(t, issue.Body, "## Triage Information")
	assert.Contains(t, issue.Body, "- **Priority:** high")
	assert.Contains(t, issue.Body, "Affects all users")
	assert.Equal(t, []string{"bug", "frontend"}, issue.Labels)
	assert.Empty(t, issue.Assignees)
}

func TestTemplateFormatterMissingSections(t *testing.T) {
	report := sampleReport()
	report.Environment = ""
	report.StepsToReproduce = ""
	triage := &model.TriageResult{
		BugReportID: "bug-1",
		Priority:    model.PriorityLow,
		Severity:    model.SeverityMinor,
		Category:    "general",
	}

	issue, err := NewTemplateFormatter().Format(context.Background(), report, triage)
	require.NoError(t, err)
	assert.Contains(t, issue.Body, "Not specified")
	assert.Contains(t, issue.Body, "Not provided")
}

type stubProvider struct {
	response string
	err      error
	requests []openai.ChatCompletionRequest
}

func (s *stubProvider) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.response}},
		},
	}, nil
}

func TestOpenAIClassifier(t *testing.T) {
	provider := &stubProvider{response: `{
		"priority": "high",
		"severity": "major",
		"category": "frontend",
		"labels": ["bug", "ui"],
		"triage_notes": "Broken login flow",
		"estimated_effort": "medium"
	}`}

	classifier := NewOpenAIClassifier(provider, LLMOptions{})
	result, err := classifier.Classify(context.Background(), sampleReport())
	require.NoError(t, err)

	assert.Equal(t, model.PriorityHigh, result.Priority)
	assert.Equal(t, "frontend", result.Category)
	assert.Equal(t, "bug-1", result.BugReportID)

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	assert.Equal(t, openai.GPT4oMini, req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[1].Content, "Login button unresponsive")
}

func TestOpenAIClassifierFencedResponse(t *testing.T) {
	provider := &stubProvider{response: "```json\n" + `{
		"priority": "low",
		"severity": "minor",
		"category": "docs",
		"triage_notes": "Cosmetic"
	}` + "\n```"}

	result, err := NewOpenAIClassifier(provider, LLMOptions{}).Classify(context.Background(), sampleReport())
	require.NoError(t, err)
	assert.Equal(t, model.PriorityLow, result.Priority)
}

func TestOpenAIClassifierInvalidVerdict(t *testing.T) {
	provider := &stubProvider{response: `{"priority": "urgent", "severity": "minor", "category": "x"}`}

	_, err := NewOpenAIClassifier(provider, LLMOptions{}).Classify(context.Background(), sampleReport())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestOpenAIClassifierProviderError(t *testing.T) {
	provider := &stubProvider{err: assert.AnError}

	_, err := NewOpenAIClassifier(provider, LLMOptions{}).Classify(context.Background(), sampleReport())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestOpenAIFormatter(t *testing.T) {
	provider := &stubProvider{response: `{
		"title": "[HIGH] Login button unresponsive",
		"body": "## Description\nBroken login",
		"labels": ["bug"]
	}`}
	triage := &model.TriageResult{
		BugReportID: "bug-1",
		Priority:    model.PriorityHigh,
		Severity:    model.SeverityMajor,
		Category:    "frontend",
	}

	issue, err := NewOpenAIFormatter(provider, LLMOptions{}).Format(context.Background(), sampleReport(), triage)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issue.Title, "[HIGH]"))
	assert.Contains(t, issue.Body, "## Description")
}

func TestMockSink(t *testing.T) {
	sink := NewMockSink("acme", "webapp", 0, nil)
	req := &model.TicketCreationRequest{
		RequestID:   "req-1",
		GitHubIssue: model.GitHubIssue{Title: "[HIGH] broken", Body: "body"},
	}

	ref, err := sink.CreateIssue(context.Background(), req)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ref.Number, 1000)
	assert.LessOrEqual(t, ref.Number, 9999)
	assert.Contains(t, ref.URL, "https://github.com/acme/webapp/issues/")
	assert.Equal(t, "[HIGH] broken", ref.Title)
}

func TestMockSinkRejectsEmptyTitle(t *testing.T) {
	sink := NewMockSink("acme", "webapp", 0, nil)

	_, err := sink.CreateIssue(context.Background(), &model.TicketCreationRequest{RequestID: "req-1"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMockSinkHonorsContext(t *testing.T) {
	sink := NewMockSink("acme", "webapp", time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sink.CreateIssue(ctx, &model.TicketCreationRequest{
		GitHubIssue: model.GitHubIssue{Title: "t"},
	})
	assert.Error(t, err)
}

type flakySink struct {
	failures int
	calls    int
}

func (s *flakySink) CreateIssue(_ context.Context, req *model.TicketCreationRequest) (*model.IssueRef, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.WrapTransient(errors.ErrConnectionLost, "flakySink", "CreateIssue", "create issue")
	}
	return &model.IssueRef{Number: 4242, URL: "https://example.com/4242"}, nil
}

func TestRetrySinkRecoversFromTransient(t *testing.T) {
	inner := &flakySink{failures: 2}
	sink := NewRetrySink(inner, retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond})

	ref, err := sink.CreateIssue(context.Background(), &model.TicketCreationRequest{})
	require.NoError(t, err)
	assert.Equal(t, 4242, ref.Number)
	assert.Equal(t, 3, inner.calls)
}

type invalidSink struct{ calls int }

func (s *invalidSink) CreateIssue(_ context.Context, _ *model.TicketCreationRequest) (*model.IssueRef, error) {
	s.calls++
	return nil, errors.WrapInvalid(errors.ErrInvalidData, "invalidSink", "CreateIssue", "bad payload")
}

func TestRetrySinkDoesNotRetryInvalid(t *testing.T) {
	inner := &invalidSink{}
	sink := NewRetrySink(inner, retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond})

	_, err := sink.CreateIssue(context.Background(), &model.TicketCreationRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}
