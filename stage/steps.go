package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ianlintner/AI-Pipeline/capability"
	"github.com/ianlintner/AI-Pipeline/errors"
	"github.com/ianlintner/AI-Pipeline/model"
)

// Step and consumer-group names. These are durable identifiers: changing
// one resets the group's cursor on the stream.
const (
	TriageStepName = "triage"
	TicketStepName = "ticket-creation"
	SinkStepName   = "github-api"
)

func decodeInto(data []byte, out any, fields func() error) error {
	if err := json.Unmarshal(data, out); err != nil {
		return errors.WrapInvalid(err, "stage", "decode", "unmarshal message")
	}
	if err := fields(); err != nil {
		return errors.WrapInvalid(err, "stage", "decode", "missing fields")
	}
	return nil
}

// TriageStep classifies incoming bug reports. It is the pipeline entry
// point and creates the lifecycle record for each request.
type TriageStep struct {
	classifier capability.Classifier
}

// NewTriageStep creates the triage step over a classifier
func NewTriageStep(classifier capability.Classifier) *TriageStep {
	return &TriageStep{classifier: classifier}
}

func (t *TriageStep) Name() string    { return TriageStepName }
func (t *TriageStep) InTopic() string { return model.TopicBugReports }

// Decode parses a BugReportMessage, rejecting payloads without a request
// ID or bug report.
func (t *TriageStep) Decode(data []byte) (*Task, error) {
	var msg model.BugReportMessage
	err := decodeInto(data, &msg, func() error {
		if msg.RequestID == "" {
			return fmt.Errorf("request_id is required")
		}
		if msg.BugReport == nil || msg.BugReport.ID == "" {
			return fmt.Errorf("bug_report is required")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Task{
		RequestID:   msg.RequestID,
		BugReportID: msg.BugReport.ID,
		CreateState: true,
		Payload:     msg.BugReport,
	}, nil
}

// Apply runs the classifier and routes the verdict to the formatter topic
func (t *TriageStep) Apply(ctx context.Context, task *Task) (*Outcome, error) {
	report := task.Payload.(*model.BugReport)

	result, err := t.classifier.Classify(ctx, report)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		StepName: "triage_completed",
		StepData: map[string]any{
			"priority": result.Priority,
			"severity": result.Severity,
			"category": result.Category,
		},
		NextTopic: model.TopicTriageResults,
		NextMessage: &model.TriageMessage{
			RequestID:    task.RequestID,
			BugReport:    report,
			TriageResult: result,
		},
		Status: model.StatusTriaged,
		StatusMessage: fmt.Sprintf("Bug triage completed: %s/%s",
			result.Priority, result.Severity),
	}, nil
}

// TicketStep renders triaged reports into tracker-ready issues
type TicketStep struct {
	formatter capability.Formatter
	clock     func() time.Time
}

// NewTicketStep creates the ticket formatting step over a formatter
func NewTicketStep(formatter capability.Formatter) *TicketStep {
	return &TicketStep{formatter: formatter, clock: time.Now}
}

func (t *TicketStep) Name() string    { return TicketStepName }
func (t *TicketStep) InTopic() string { return model.TopicTriageResults }

// Decode parses a TriageMessage
func (t *TicketStep) Decode(data []byte) (*Task, error) {
	var msg model.TriageMessage
	err := decodeInto(data, &msg, func() error {
		if msg.RequestID == "" {
			return fmt.Errorf("request_id is required")
		}
		if msg.BugReport == nil || msg.TriageResult == nil {
			return fmt.Errorf("bug_report and triage_result are required")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Task{
		RequestID:   msg.RequestID,
		BugReportID: msg.BugReport.ID,
		Payload:     &msg,
	}, nil
}

// Apply formats the issue and routes it to the sink topic
func (t *TicketStep) Apply(ctx context.Context, task *Task) (*Outcome, error) {
	msg := task.Payload.(*model.TriageMessage)

	issue, err := t.formatter.Format(ctx, msg.BugReport, msg.TriageResult)
	if err != nil {
		return nil, err
	}

	ticket := &model.TicketCreationRequest{
		BugReport:    *msg.BugReport,
		TriageResult: *msg.TriageResult,
		GitHubIssue:  *issue,
		RequestID:    task.RequestID,
		CreatedAt:    t.clock(),
	}

	return &Outcome{
		StepName: "github_issue_formatted",
		StepData: map[string]any{
			"title":     issue.Title,
			"labels":    issue.Labels,
			"assignees": issue.Assignees,
		},
		NextTopic: model.TopicTicketCreation,
		NextMessage: &model.TicketMessage{
			RequestID:     task.RequestID,
			TicketRequest: ticket,
		},
		Status:        model.StatusInProgress,
		StatusMessage: "GitHub issue formatted, creating ticket",
	}, nil
}

// SinkStep creates the tracker issue and ends the pipeline
type SinkStep struct {
	sink capability.TicketSink
}

// NewSinkStep creates the issue creation step over a ticket sink
func NewSinkStep(sink capability.TicketSink) *SinkStep {
	return &SinkStep{sink: sink}
}

func (s *SinkStep) Name() string    { return SinkStepName }
func (s *SinkStep) InTopic() string { return model.TopicTicketCreation }

// Decode parses a TicketMessage
func (s *SinkStep) Decode(data []byte) (*Task, error) {
	var msg model.TicketMessage
	err := decodeInto(data, &msg, func() error {
		if msg.RequestID == "" {
			return fmt.Errorf("request_id is required")
		}
		if msg.TicketRequest == nil {
			return fmt.Errorf("ticket_request is required")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Task{
		RequestID:   msg.RequestID,
		BugReportID: msg.TicketRequest.BugReport.ID,
		Payload:     msg.TicketRequest,
	}, nil
}

// Apply creates the issue and reports the terminal success status
func (s *SinkStep) Apply(ctx context.Context, task *Task) (*Outcome, error) {
	ticket := task.Payload.(*model.TicketCreationRequest)

	ref, err := s.sink.CreateIssue(ctx, ticket)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		StepName: "issue_created",
		StepData: map[string]any{
			"issue_number": ref.Number,
			"issue_url":    ref.URL,
		},
		Status:        model.StatusCreated,
		StatusMessage: fmt.Sprintf("GitHub issue #%d created successfully", ref.Number),
		Metadata: map[string]any{
			model.MetaIssueNumber: ref.Number,
			model.MetaIssueURL:    ref.URL,
			model.MetaIssueTitle:  ref.Title,
		},
		Issue: ref,
	}, nil
}
