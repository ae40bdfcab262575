package capability

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ianlintner/AI-Pipeline/errors"
	"github.com/ianlintner/AI-Pipeline/model"
	"github.com/ianlintner/AI-Pipeline/pkg/retry"
)

// MockSink simulates the GitHub issues API. It assigns random issue
// numbers and builds URLs for the configured repository, with an optional
// delay to mimic network latency.
type MockSink struct {
	owner  string
	repo   string
	delay  time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewMockSink creates a simulated issue tracker for the given repository
func NewMockSink(owner, repo string, delay time.Duration, logger *slog.Logger) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockSink{
		owner:  owner,
		repo:   repo,
		delay:  delay,
		logger: logger.With("component", "mocksink"),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateIssue simulates issue creation and returns a synthetic reference
func (s *MockSink) CreateIssue(ctx context.Context, req *model.TicketCreationRequest) (*model.IssueRef, error) {
	if req.GitHubIssue.Title == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "MockSink", "CreateIssue", "issue title required")
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, errors.WrapTransient(ctx.Err(), "MockSink", "CreateIssue", "create issue")
		}
	}

	s.mu.Lock()
	number := 1000 + s.rand.Intn(9000)
	s.mu.Unlock()

	ref := &model.IssueRef{
		Number: number,
		URL:    fmt.Sprintf("https://github.com/%s/%s/issues/%d", s.owner, s.repo, number),
		Title:  req.GitHubIssue.Title,
	}

	s.logger.Info("Mock GitHub issue created",
		"request_id", req.RequestID,
		"issue_number", ref.Number,
		"url", ref.URL,
		"labels", req.GitHubIssue.Labels)
	return ref, nil
}

// RetrySink wraps a TicketSink with bounded retries for transient
// failures. Invalid and fatal errors pass through untouched.
type RetrySink struct {
	sink TicketSink
	cfg  retry.Config
}

// NewRetrySink wraps sink with the given retry policy
func NewRetrySink(sink TicketSink, cfg retry.Config) *RetrySink {
	return &RetrySink{sink: sink, cfg: cfg}
}

// CreateIssue retries the wrapped sink on transient errors
func (s *RetrySink) CreateIssue(ctx context.Context, req *model.TicketCreationRequest) (*model.IssueRef, error) {
	return retry.DoWithResult(ctx, s.cfg, func() (*model.IssueRef, error) {
		ref, err := s.sink.CreateIssue(ctx, req)
		if err != nil && !errors.IsTransient(err) {
			return nil, retry.NonRetryable(err)
		}
		return ref, err
	})
}
