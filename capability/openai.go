package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ianlintner/AI-Pipeline/errors"
	"github.com/ianlintner/AI-Pipeline/model"
)

// ChatProvider is the slice of the OpenAI client the capabilities use
type ChatProvider interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMOptions configures the model-backed capabilities
type LLMOptions struct {
	Model       string
	MaxTokens   int
	Temperature float32
}

// DefaultLLMOptions returns the settings used when none are provided
func DefaultLLMOptions() LLMOptions {
	return LLMOptions{
		Model:       openai.GPT4oMini,
		MaxTokens:   1024,
		Temperature: 0.3,
	}
}

func (o *LLMOptions) normalize() {
	if o.Model == "" {
		o.Model = openai.GPT4oMini
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1024
	}
}

// NewChatProvider creates an OpenAI client for the model-backed capabilities
func NewChatProvider(apiKey string) (ChatProvider, error) {
	if apiKey == "" {
		return nil, errors.Wrap(errors.ErrMissingConfig, "capability", "NewChatProvider", "OpenAI API key required")
	}
	return openai.NewClient(apiKey), nil
}

func complete(ctx context.Context, provider ChatProvider, opts LLMOptions, system, prompt string) (string, error) {
	resp, err := provider.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", errors.WrapTransient(err, "capability", "complete", "chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.WrapTransient(errors.ErrInvalidData, "capability", "complete", "no completion choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// decodeVerdict parses a JSON object out of a model response, tolerating
// markdown code fences around the payload.
func decodeVerdict(response string, out any) error {
	trimmed := strings.TrimSpace(response)
	if after, ok := strings.CutPrefix(trimmed, "```json"); ok {
		trimmed = after
	} else if after, ok := strings.CutPrefix(trimmed, "```"); ok {
		trimmed = after
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")

	if err := json.Unmarshal([]byte(trimmed), out); err != nil {
		return errors.WrapInvalid(err, "capability", "decodeVerdict", "parse model response")
	}
	return nil
}

const triageSystemPrompt = `You are a bug triage expert responsible for analyzing bug reports and determining their priority, severity, and categorization.

Priority guidelines:
- critical: system down, data loss, security vulnerability
- high: major functionality broken, affects many users
- medium: important feature not working correctly, affects some users
- low: minor issues, cosmetic problems, edge cases

Severity guidelines:
- blocker: prevents other work, system unusable
- major: significant impact on functionality
- moderate: noticeable impact but workarounds exist
- minor: small impact, cosmetic issues

Respond with a JSON object:
{
  "priority": "low|medium|high|critical",
  "severity": "minor|moderate|major|blocker",
  "category": "string describing the category",
  "labels": ["suggested", "labels"],
  "assignee_suggestion": "suggested assignee or null",
  "duplicate_of": "issue ID if duplicate or null",
  "triage_notes": "explanation of your reasoning",
  "estimated_effort": "small|medium|large|extra-large"
}`

// OpenAIClassifier triages bug reports with a chat model
type OpenAIClassifier struct {
	provider ChatProvider
	opts     LLMOptions
	clock    func() time.Time
}

// NewOpenAIClassifier creates a model-backed classifier
func NewOpenAIClassifier(provider ChatProvider, opts LLMOptions) *OpenAIClassifier {
	opts.normalize()
	return &OpenAIClassifier{provider: provider, opts: opts, clock: time.Now}
}

// Classify asks the model for a triage verdict and validates it
func (c *OpenAIClassifier) Classify(ctx context.Context, report *model.BugReport) (*model.TriageResult, error) {
	if err := report.Validate(); err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Analyze this bug report and provide your triage assessment.

Title: %s
Description: %s
Reporter: %s
Environment: %s
Steps to Reproduce: %s
Expected Behavior: %s
Actual Behavior: %s
Attachments: %d files`,
		report.Title,
		report.Description,
		report.Reporter,
		orDefault(report.Environment, "Not specified"),
		orDefault(report.StepsToReproduce, "Not provided"),
		orDefault(report.ExpectedBehavior, "Not specified"),
		orDefault(report.ActualBehavior, "Not specified"),
		len(report.Attachments))

	response, err := complete(ctx, c.provider, c.opts, triageSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var verdict struct {
		Priority           model.Priority `json:"priority"`
		Severity           model.Severity `json:"severity"`
		Category           string         `json:"category"`
		Labels             []string       `json:"labels"`
		AssigneeSuggestion string         `json:"assignee_suggestion"`
		DuplicateOf        string         `json:"duplicate_of"`
		TriageNotes        string         `json:"triage_notes"`
		EstimatedEffort    string         `json:"estimated_effort"`
	}
	if err := decodeVerdict(response, &verdict); err != nil {
		return nil, err
	}

	result := &model.TriageResult{
		BugReportID:        report.ID,
		Priority:           verdict.Priority,
		Severity:           verdict.Severity,
		Category:           verdict.Category,
		Labels:             verdict.Labels,
		AssigneeSuggestion: verdict.AssigneeSuggestion,
		DuplicateOf:        verdict.DuplicateOf,
		TriageNotes:        verdict.TriageNotes,
		EstimatedEffort:    verdict.EstimatedEffort,
		CreatedAt:          c.clock(),
	}
	if err := result.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "OpenAIClassifier", "Classify", "validate verdict")
	}
	return result, nil
}

const formatSystemPrompt = `You are a GitHub issue creation specialist who converts triaged bug reports into well-formatted GitHub issues.

The issue body must use markdown with these sections: Description, Environment, Steps to Reproduce, Expected Behavior, Actual Behavior, Additional Information, Triage Information.

Respond with a JSON object:
{
  "title": "Clear, descriptive issue title",
  "body": "Formatted issue body with markdown",
  "labels": ["labels"],
  "assignees": ["assignees"],
  "milestone": "milestone name or null"
}`

// OpenAIFormatter renders issues with a chat model
type OpenAIFormatter struct {
	provider ChatProvider
	opts     LLMOptions
}

// NewOpenAIFormatter creates a model-backed issue formatter
func NewOpenAIFormatter(provider ChatProvider, opts LLMOptions) *OpenAIFormatter {
	opts.normalize()
	return &OpenAIFormatter{provider: provider, opts: opts}
}

// Format asks the model for a formatted issue and validates it
func (f *OpenAIFormatter) Format(ctx context.Context, report *model.BugReport, triage *model.TriageResult) (*model.GitHubIssue, error) {
	if err := report.Validate(); err != nil {
		return nil, err
	}
	if err := triage.Validate(); err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Create a GitHub issue for this triaged bug report.

BUG REPORT:
Title: %s
Description: %s
Reporter: %s
Environment: %s
Steps to Reproduce: %s
Expected Behavior: %s
Actual Behavior: %s

TRIAGE RESULTS:
Priority: %s
Severity: %s
Category: %s
Labels: %s
Estimated Effort: %s
Triage Notes: %s`,
		report.Title,
		report.Description,
		report.Reporter,
		orDefault(report.Environment, "Not specified"),
		orDefault(report.StepsToReproduce, "Not provided"),
		orDefault(report.ExpectedBehavior, "Not specified"),
		orDefault(report.ActualBehavior, "Not specified"),
		triage.Priority,
		triage.Severity,
		triage.Category,
		strings.Join(triage.Labels, ", "),
		orDefault(triage.EstimatedEffort, "Not specified"),
		triage.TriageNotes)

	response, err := complete(ctx, f.provider, f.opts, formatSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var issue model.GitHubIssue
	if err := decodeVerdict(response, &issue); err != nil {
		return nil, err
	}
	if issue.Title == "" || issue.Body == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "OpenAIFormatter", "Format", "empty title or body")
	}
	return &issue, nil
}
