// Package stage runs the pipeline workers. A Stage consumes one topic
// through a durable group, applies its Step to each message, persists
// progress, publishes the next hop, and broadcasts status events. The
// three concrete steps cover triage, ticket formatting, and issue
// creation.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ianlintner/AI-Pipeline/errors"
	"github.com/ianlintner/AI-Pipeline/metric"
	"github.com/ianlintner/AI-Pipeline/model"
	"github.com/ianlintner/AI-Pipeline/relay"
)

// Store is the slice of the state store a stage needs
type Store interface {
	Create(ctx context.Context, requestID, bugReportID, initialStep string) (*model.RequestState, error)
	AppendProgress(ctx context.Context, requestID, step string, data map[string]any) error
	SetStatus(ctx context.Context, requestID string, status model.TicketStatus, currentStep string) error
	SetError(ctx context.Context, requestID, errorMessage string) error
	MarkCompleted(ctx context.Context, requestID string, issueNumber int, issueURL string) error
}

// Task is one decoded unit of work
type Task struct {
	RequestID   string
	BugReportID string
	// CreateState marks the pipeline entry point: the stage creates
	// the lifecycle record before processing.
	CreateState bool
	Payload     any
}

// Outcome is the result of a successfully applied step
type Outcome struct {
	// StepName labels the progress log entry
	StepName string
	StepData map[string]any

	// NextTopic and NextMessage route the follow-on message; both
	// empty when the pipeline ends here.
	NextTopic   string
	NextMessage any

	// Status is the lifecycle status reached by completing this step
	Status        model.TicketStatus
	StatusMessage string
	Metadata      map[string]any

	// Issue is set when the step created the tracker issue
	Issue *model.IssueRef
}

// Step is one pipeline skill bound to its input topic. Decode rejects
// malformed payloads with an invalid-class error; Apply does the work.
type Step interface {
	Name() string
	InTopic() string
	Decode(data []byte) (*Task, error)
	Apply(ctx context.Context, task *Task) (*Outcome, error)
}

// Stage consumes a topic and drives a Step over every message
type Stage struct {
	step    Step
	bus     relay.Bus
	store   Store
	logger  *slog.Logger
	metrics *metric.Metrics
	clock   func() time.Time

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a stage for the given step. The metrics argument may be
// nil, in which case instrumentation is skipped.
func New(step Step, bus relay.Bus, store Store, logger *slog.Logger, metrics *metric.Metrics) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		step:    step,
		bus:     bus,
		store:   store,
		logger:  logger.With("component", "stage", "stage", step.Name()),
		metrics: metrics,
		clock:   time.Now,
	}
}

// Name returns the step name, which doubles as the consumer group name
func (s *Stage) Name() string {
	return s.step.Name()
}

// Start subscribes the stage to its input topic. Message handling runs
// on the transport's delivery goroutine until Stop.
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "Stage", "Start", s.step.Name())
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	err := s.bus.Subscribe(s.ctx, []string{s.step.InTopic()}, s.step.Name(), s.handleMessage)
	if err != nil {
		s.cancel()
		return errors.WrapTransient(err, "Stage", "Start", "subscribe "+s.step.InTopic())
	}

	s.started = true
	s.logger.Info("Stage started", "topic", s.step.InTopic())
	return nil
}

// Stop unsubscribes the stage and cancels in-flight handling
func (s *Stage) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.bus.Unsubscribe(s.step.Name())
	s.cancel()
	s.started = false
	s.logger.Info("Stage stopped")
	return nil
}

func (s *Stage) handleMessage(topic string, data []byte) {
	start := s.clock()
	if s.metrics != nil {
		s.metrics.RecordMessageReceived(s.step.Name(), topic)
	}

	task, err := s.step.Decode(data)
	if err != nil {
		// Malformed payloads cannot be attributed to a request, so
		// they are logged and dropped rather than failed.
		s.logger.Error("Dropping malformed message",
			"topic", topic,
			"error", err,
			"bytes", len(data))
		if s.metrics != nil {
			s.metrics.RecordMessageProcessed(s.step.Name(), topic, "malformed")
		}
		return
	}

	logger := s.logger.With("request_id", task.RequestID)
	ctx := s.ctx

	if task.CreateState {
		if _, err := s.store.Create(ctx, task.RequestID, task.BugReportID, s.step.Name()); err != nil {
			s.fail(ctx, task, fmt.Sprintf("Failed to initialize request state: %v", err))
			s.observe(topic, "error", start)
			return
		}
		s.emitStatus(ctx, task.RequestID, model.StatusPending,
			fmt.Sprintf("Starting %s", s.step.Name()), nil)
	}

	outcome, err := s.step.Apply(ctx, task)
	if err != nil {
		logger.Error("Step failed", "error", err)
		s.fail(ctx, task, fmt.Sprintf("%s failed: %v", s.step.Name(), err))
		s.observe(topic, "error", start)
		return
	}

	if err := s.store.AppendProgress(ctx, task.RequestID, outcome.StepName, outcome.StepData); err != nil {
		logger.Warn("Failed to record progress", "step", outcome.StepName, "error", err)
	}

	if outcome.NextTopic != "" {
		payload, err := json.Marshal(outcome.NextMessage)
		if err != nil {
			s.fail(ctx, task, fmt.Sprintf("Failed to encode %s result: %v", s.step.Name(), err))
			s.observe(topic, "error", start)
			return
		}
		if err := s.bus.Publish(ctx, outcome.NextTopic, task.RequestID, payload); err != nil {
			logger.Error("Publish failed", "topic", outcome.NextTopic, "error", err)
			s.fail(ctx, task, fmt.Sprintf("Failed to publish %s result", s.step.Name()))
			s.observe(topic, "error", start)
			return
		}
		if s.metrics != nil {
			s.metrics.RecordMessagePublished(s.step.Name(), outcome.NextTopic)
		}
	}

	if outcome.Issue != nil {
		if err := s.store.MarkCompleted(ctx, task.RequestID, outcome.Issue.Number, outcome.Issue.URL); err != nil {
			logger.Warn("Failed to mark request completed", "error", err)
		}
	} else if err := s.store.SetStatus(ctx, task.RequestID, outcome.Status, outcome.StepName); err != nil {
		logger.Warn("Failed to update request status", "status", outcome.Status, "error", err)
	}

	s.emitStatus(ctx, task.RequestID, outcome.Status, outcome.StatusMessage, outcome.Metadata)

	logger.Info("Step completed",
		"step", outcome.StepName,
		"status", outcome.Status,
		"duration", s.clock().Sub(start))
	s.observe(topic, "success", start)
}

// fail records the failure in the store and broadcasts the terminal
// status event. Best effort on both writes: the timeout monitor is the
// backstop when the store is unreachable.
func (s *Stage) fail(ctx context.Context, task *Task, message string) {
	if err := s.store.SetError(ctx, task.RequestID, message); err != nil {
		s.logger.Error("Failed to record error state",
			"request_id", task.RequestID,
			"error", err)
	}
	if s.metrics != nil {
		s.metrics.RecordError(s.step.Name(), "processing")
	}
	s.emitStatus(ctx, task.RequestID, model.StatusFailed, message, nil)
}

func (s *Stage) emitStatus(ctx context.Context, requestID string, status model.TicketStatus, message string, metadata map[string]any) {
	update := model.StatusUpdate{
		RequestID: requestID,
		Status:    status,
		Message:   message,
		Agent:     s.step.Name(),
		Metadata:  metadata,
		Timestamp: s.clock(),
	}
	payload, err := json.Marshal(&update)
	if err != nil {
		s.logger.Error("Failed to encode status update", "request_id", requestID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, model.TopicStatusUpdates, requestID, payload); err != nil {
		s.logger.Warn("Failed to publish status update",
			"request_id", requestID,
			"status", status,
			"error", err)
	}
}

func (s *Stage) observe(topic, result string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordMessageProcessed(s.step.Name(), topic, result)
	s.metrics.RecordProcessingDuration(s.step.Name(), "handle", s.clock().Sub(start))
}
