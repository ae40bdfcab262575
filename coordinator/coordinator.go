// Package coordinator supervises the triage pipeline. It accepts bug
// report submissions, tracks in-flight requests from the shared status
// topic, fails requests that stall past the timeout budget, and answers
// status queries from the durable store with an in-memory fallback.
package coordinator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ianlintner/AI-Pipeline/errors"
	"github.com/ianlintner/AI-Pipeline/health"
	"github.com/ianlintner/AI-Pipeline/metric"
	"github.com/ianlintner/AI-Pipeline/model"
	"github.com/ianlintner/AI-Pipeline/relay"
)

// AgentName identifies the coordinator in status events and as its
// consumer group on the status topic.
const AgentName = "coordinator"

// Store is the slice of the state store the coordinator needs
type Store interface {
	Get(ctx context.Context, requestID string) (*model.RequestState, error)
	SetError(ctx context.Context, requestID, errorMessage string) error
}

// Config tunes the supervision loop
type Config struct {
	// TimeoutBudget is the maximum inactivity before a request is
	// failed. Keep it below the state bucket TTL so the monitor acts
	// while the record still exists.
	TimeoutBudget time.Duration
	// SweepInterval is how often the timeout monitor runs
	SweepInterval time.Duration
	// EvictionGrace is how long terminal requests linger in the
	// active cache so late status queries still hit it
	EvictionGrace time.Duration
	// MaxAge is the hard ceiling after which a request is evicted
	// from the cache regardless of state
	MaxAge time.Duration
	// ErrorBackoff extends the sweep pause after a monitor error
	ErrorBackoff time.Duration
}

// DefaultConfig returns the production supervision settings
func DefaultConfig() Config {
	return Config{
		TimeoutBudget: 300 * time.Second,
		SweepInterval: 30 * time.Second,
		EvictionGrace: 30 * time.Second,
		MaxAge:        time.Hour,
		ErrorBackoff:  60 * time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.TimeoutBudget <= 0 {
		c.TimeoutBudget = d.TimeoutBudget
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.EvictionGrace < 0 {
		c.EvictionGrace = d.EvictionGrace
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = d.ErrorBackoff
	}
}

// ActiveRequest is the coordinator's cached view of one in-flight request
type ActiveRequest struct {
	RequestID   string             `json:"request_id"`
	BugReportID string             `json:"bug_report_id"`
	Status      model.TicketStatus `json:"status"`
	LastAgent   string             `json:"last_agent,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at"`
	LastUpdated time.Time          `json:"last_updated"`
}

// Coordinator supervises in-flight requests
type Coordinator struct {
	bus     relay.Bus
	store   Store
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	clock   func() time.Time
	newID   func() string

	mu     sync.Mutex
	active map[string]*ActiveRequest

	runMu   sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a coordinator. The metrics argument may be nil.
func New(bus relay.Bus, store Store, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Coordinator {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		bus:     bus,
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "coordinator"),
		metrics: metrics,
		clock:   time.Now,
		newID:   uuid.NewString,
		active:  make(map[string]*ActiveRequest),
	}
}

// Start subscribes to the status topic and launches the timeout monitor
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "Coordinator", "Start", "coordinator running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	err := c.bus.Subscribe(runCtx, []string{model.TopicStatusUpdates}, AgentName, c.handleStatusMessage)
	if err != nil {
		cancel()
		return errors.WrapTransient(err, "Coordinator", "Start", "subscribe status topic")
	}

	c.cancel = cancel
	c.done = make(chan struct{})
	go c.monitorTimeouts(runCtx)

	c.started = true
	c.logger.Info("Coordinator started",
		"timeout", c.cfg.TimeoutBudget,
		"sweep_interval", c.cfg.SweepInterval)
	return nil
}

// Stop halts the monitor and unsubscribes from the status topic
func (c *Coordinator) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if !c.started {
		return nil
	}
	c.bus.Unsubscribe(AgentName)
	c.cancel()
	<-c.done
	c.started = false
	c.logger.Info("Coordinator stopped")
	return nil
}

// Submit validates a bug report, assigns it a request ID, and publishes
// it to the pipeline. Returns the empty string and an error when the
// publish fails; no state is recorded in that case.
func (c *Coordinator) Submit(ctx context.Context, report *model.BugReport) (string, error) {
	if err := report.Validate(); err != nil {
		return "", errors.WrapInvalid(err, "Coordinator", "Submit", "validate bug report")
	}

	requestID := c.newID()
	payload, err := json.Marshal(&model.BugReportMessage{
		RequestID: requestID,
		BugReport: report,
	})
	if err != nil {
		return "", errors.WrapFatal(err, "Coordinator", "Submit", "encode bug report")
	}

	if err := c.bus.Publish(ctx, model.TopicBugReports, requestID, payload); err != nil {
		c.logger.Error("Bug report submission failed",
			"bug_report_id", report.ID,
			"error", err)
		return "", errors.WrapTransient(err, "Coordinator", "Submit", "publish bug report")
	}

	now := c.clock()
	c.mu.Lock()
	c.active[requestID] = &ActiveRequest{
		RequestID:   requestID,
		BugReportID: report.ID,
		Status:      model.StatusSubmitted,
		SubmittedAt: now,
		LastUpdated: now,
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordRequestSubmitted()
	}
	c.emitStatus(ctx, requestID, model.StatusSubmitted,
		fmt.Sprintf("Bug report %s submitted for processing", report.ID), nil)

	c.logger.Info("Bug report submitted",
		"request_id", requestID,
		"bug_report_id", report.ID)
	return requestID, nil
}

func (c *Coordinator) handleStatusMessage(_ string, data []byte) {
	var update model.StatusUpdate
	if err := json.Unmarshal(data, &update); err != nil || update.RequestID == "" {
		c.logger.Debug("Ignoring malformed status update", "bytes", len(data))
		return
	}

	// The coordinator's own broadcasts come back around on this topic
	if update.Agent == AgentName {
		return
	}

	c.mu.Lock()
	req, tracked := c.active[update.RequestID]
	if tracked {
		req.Status = update.Status
		req.LastAgent = update.Agent
		req.LastUpdated = c.clock()
	}
	c.mu.Unlock()

	c.logger.Info("Status update",
		"request_id", update.RequestID,
		"status", update.Status,
		"agent", update.Agent,
		"tracked", tracked)

	if tracked && update.Status.Terminal() {
		c.handleCompletion(req, &update)
	}
}

// handleCompletion records metrics, re-broadcasts a summary for external
// observers, and schedules cache eviction after the grace period.
func (c *Coordinator) handleCompletion(req *ActiveRequest, update *model.StatusUpdate) {
	processingTime := c.clock().Sub(req.SubmittedAt)

	if c.metrics != nil {
		c.metrics.RecordRequestCompleted(string(update.Status), processingTime)
	}

	if update.Status == model.StatusCreated {
		issueNumber := update.Metadata[model.MetaIssueNumber]
		c.logger.Info("Request completed",
			"request_id", req.RequestID,
			"issue_number", issueNumber,
			"processing_time", processingTime)
		c.emitStatus(context.Background(), req.RequestID, model.StatusCreated,
			fmt.Sprintf("Bug report processing completed successfully. GitHub issue #%v created.", issueNumber),
			map[string]any{
				model.MetaProcessingTime: processingTime.Seconds(),
				model.MetaIssueNumber:    issueNumber,
				model.MetaIssueURL:       update.Metadata[model.MetaIssueURL],
			})
	} else {
		c.logger.Error("Request failed",
			"request_id", req.RequestID,
			"reason", update.Message,
			"processing_time", processingTime)
	}

	// Keep the terminal record queryable for a little while, then drop it
	requestID := req.RequestID
	time.AfterFunc(c.cfg.EvictionGrace, func() {
		c.mu.Lock()
		delete(c.active, requestID)
		c.mu.Unlock()
	})
}

func (c *Coordinator) monitorTimeouts(ctx context.Context) {
	defer close(c.done)

	for {
		pause := c.cfg.SweepInterval
		if err := c.sweep(ctx); err != nil {
			c.logger.Error("Timeout sweep failed", "error", err)
			pause = c.cfg.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) error {
	now := c.clock()

	c.mu.Lock()
	var stalled, expired []*ActiveRequest
	for _, req := range c.active {
		switch {
		case now.Sub(req.SubmittedAt) > c.cfg.MaxAge:
			expired = append(expired, req)
		case req.Status.Terminal():
			// Waiting out the eviction grace
		case now.Sub(req.LastUpdated) > c.cfg.TimeoutBudget:
			stalled = append(stalled, req)
		}
	}
	c.mu.Unlock()

	for _, req := range expired {
		c.mu.Lock()
		delete(c.active, req.RequestID)
		c.mu.Unlock()
		c.logger.Debug("Evicted aged-out request", "request_id", req.RequestID)
	}

	var firstErr error
	for _, req := range stalled {
		if err := c.failTimedOut(ctx, req); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// failTimedOut fails one stalled request. If the durable record already
// reached a terminal status (a late event the cache missed), the cache
// is corrected instead.
func (c *Coordinator) failTimedOut(ctx context.Context, req *ActiveRequest) error {
	state, err := c.store.Get(ctx, req.RequestID)
	if err == nil && state.Status.Terminal() {
		c.mu.Lock()
		if cached, ok := c.active[req.RequestID]; ok {
			cached.Status = state.Status
			cached.LastUpdated = c.clock()
		}
		c.mu.Unlock()
		return nil
	}

	c.logger.Warn("Request timed out",
		"request_id", req.RequestID,
		"last_status", req.Status,
		"last_agent", req.LastAgent)

	message := fmt.Sprintf("Request timed out after %.0f seconds", c.cfg.TimeoutBudget.Seconds())
	if err := c.store.SetError(ctx, req.RequestID, message); err != nil &&
		!stderrors.Is(err, errors.ErrRequestNotFound) {
		c.logger.Error("Failed to record timeout", "request_id", req.RequestID, "error", err)
	}

	if c.metrics != nil {
		c.metrics.RecordRequestTimeout()
		c.metrics.RecordRequestCompleted(string(model.StatusFailed), c.clock().Sub(req.SubmittedAt))
	}

	c.emitStatus(ctx, req.RequestID, model.StatusFailed, message, map[string]any{
		model.MetaTimeout:    true,
		model.MetaLastStatus: string(req.Status),
		model.MetaLastAgent:  req.LastAgent,
	})

	c.mu.Lock()
	delete(c.active, req.RequestID)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) emitStatus(ctx context.Context, requestID string, status model.TicketStatus, message string, metadata map[string]any) {
	update := model.StatusUpdate{
		RequestID: requestID,
		Status:    status,
		Message:   message,
		Agent:     AgentName,
		Metadata:  metadata,
		Timestamp: c.clock(),
	}
	payload, err := json.Marshal(&update)
	if err != nil {
		c.logger.Error("Failed to encode status update", "request_id", requestID, "error", err)
		return
	}
	if err := c.bus.Publish(ctx, model.TopicStatusUpdates, requestID, payload); err != nil {
		c.logger.Warn("Failed to publish status update",
			"request_id", requestID,
			"status", status,
			"error", err)
	}
}

// GetStatus returns the durable lifecycle record for a request. When the
// store is unreachable or has no record yet, the cached summary stands
// in so status queries on accepted requests degrade rather than fail.
// The store can legitimately lack a record while the request is cached:
// the entry stage creates it after submission, and the TTL can expire a
// stalled record before the timeout sweep fails it.
func (c *Coordinator) GetStatus(ctx context.Context, requestID string) (*model.RequestState, error) {
	state, err := c.store.Get(ctx, requestID)
	if err == nil {
		return state, nil
	}

	c.mu.Lock()
	req, ok := c.active[requestID]
	c.mu.Unlock()
	if !ok {
		return nil, err
	}

	if stderrors.Is(err, errors.ErrRequestNotFound) {
		c.logger.Debug("Serving status from cache, no store record yet",
			"request_id", requestID)
	} else {
		c.logger.Warn("Serving status from cache, store unavailable",
			"request_id", requestID, "error", err)
	}
	return &model.RequestState{
		RequestID:   req.RequestID,
		BugReportID: req.BugReportID,
		Status:      req.Status,
		CreatedAt:   req.SubmittedAt,
		UpdatedAt:   req.LastUpdated,
	}, nil
}

// ListActive returns a snapshot of every tracked request
func (c *Coordinator) ListActive() []ActiveRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ActiveRequest, 0, len(c.active))
	for _, req := range c.active {
		out = append(out, *req)
	}
	return out
}

// ListActiveStates resolves every tracked request to its full
// lifecycle record, store view preferred, so callers see progress and
// issue details rather than the cache summary.
func (c *Coordinator) ListActiveStates(ctx context.Context) []*model.RequestState {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	out := make([]*model.RequestState, 0, len(ids))
	for _, id := range ids {
		state, err := c.GetStatus(ctx, id)
		if err != nil {
			// Evicted between the snapshot and the lookup
			continue
		}
		out = append(out, state)
	}
	return out
}

// ActiveCount returns the number of tracked requests
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Health reports whether the coordinator is running and how many
// requests it is tracking.
func (c *Coordinator) Health() health.Status {
	c.runMu.Lock()
	running := c.started
	c.runMu.Unlock()

	if !running {
		return health.NewUnhealthy(AgentName, "coordinator not started")
	}
	status := health.NewHealthy(AgentName, "supervising")
	status.Metrics = &health.Metrics{ActiveRequests: c.ActiveCount()}
	return status
}
