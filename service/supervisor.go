// Package service assembles and runs the triage pipeline: the NATS
// connection, stream and bucket provisioning, the three stages, the
// coordinator, and the metrics endpoint, under one lifecycle.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/ianlintner/AI-Pipeline/capability"
	"github.com/ianlintner/AI-Pipeline/config"
	"github.com/ianlintner/AI-Pipeline/coordinator"
	"github.com/ianlintner/AI-Pipeline/errors"
	"github.com/ianlintner/AI-Pipeline/health"
	"github.com/ianlintner/AI-Pipeline/metric"
	"github.com/ianlintner/AI-Pipeline/model"
	"github.com/ianlintner/AI-Pipeline/natsclient"
	"github.com/ianlintner/AI-Pipeline/pkg/retry"
	"github.com/ianlintner/AI-Pipeline/relay"
	"github.com/ianlintner/AI-Pipeline/stage"
	"github.com/ianlintner/AI-Pipeline/statestore"
)

// Status represents the current status of the supervisor
type Status int

// Possible supervisor statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Store is the full state store contract the supervisor wires through to
// the stages, the coordinator, and the cleanup loop.
type Store interface {
	Create(ctx context.Context, requestID, bugReportID, initialStep string) (*model.RequestState, error)
	Get(ctx context.Context, requestID string) (*model.RequestState, error)
	AppendProgress(ctx context.Context, requestID, step string, data map[string]any) error
	SetStatus(ctx context.Context, requestID string, status model.TicketStatus, currentStep string) error
	SetError(ctx context.Context, requestID, errorMessage string) error
	MarkCompleted(ctx context.Context, requestID string, issueNumber int, issueURL string) error
	ListAll(ctx context.Context) (map[string]*model.RequestState, error)
	Delete(ctx context.Context, requestID string) error
	CleanupCompleted(ctx context.Context, olderThan time.Duration) (int, error)
}

// Option is a functional option for configuring the Supervisor
type Option func(*Supervisor)

// WithLogger sets the supervisor's logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithBus injects a transport, bypassing the NATS connection. Used for
// single-process runs and tests.
func WithBus(bus relay.Bus) Option {
	return func(s *Supervisor) { s.bus = bus }
}

// WithStore injects a state store, bypassing the NATS KV bucket
func WithStore(store Store) Option {
	return func(s *Supervisor) { s.store = store }
}

// WithClassifier overrides the triage classifier
func WithClassifier(c capability.Classifier) Option {
	return func(s *Supervisor) { s.classifier = c }
}

// WithFormatter overrides the issue formatter
func WithFormatter(f capability.Formatter) Option {
	return func(s *Supervisor) { s.formatter = f }
}

// WithSink overrides the ticket sink
func WithSink(sink capability.TicketSink) Option {
	return func(s *Supervisor) { s.sink = sink }
}

// Supervisor owns the full pipeline lifecycle
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *metric.Registry
	monitor  *health.Monitor

	nats  *natsclient.Client
	bus   relay.Bus
	store Store

	classifier capability.Classifier
	formatter  capability.Formatter
	sink       capability.TicketSink

	stages        []*stage.Stage
	coord         *coordinator.Coordinator
	metricsServer *metric.Server

	mu          sync.Mutex
	status      Status
	initialized bool
	cancel      context.CancelFunc
	group       *errgroup.Group
}

// New creates an unstarted supervisor. Initialize must run before Start.
func New(cfg *config.Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		logger:   slog.Default(),
		registry: metric.NewRegistry(),
		monitor:  health.NewMonitor(),
		status:   StatusStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// Initialize connects to the broker (unless a bus was injected),
// provisions the stream and state bucket, and builds the stages and
// coordinator. Safe to call once.
func (s *Supervisor) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return errors.Wrap(errors.ErrAlreadyStarted, "Supervisor", "Initialize", "already initialized")
	}

	if s.bus == nil || s.store == nil {
		if err := s.initNATS(ctx); err != nil {
			return err
		}
	}
	s.initCapabilities()

	metrics := s.registry.CoreMetrics()
	s.stages = []*stage.Stage{
		stage.New(stage.NewTriageStep(s.classifier), s.bus, s.store, s.logger, metrics),
		stage.New(stage.NewTicketStep(s.formatter), s.bus, s.store, s.logger, metrics),
		stage.New(stage.NewSinkStep(s.sink), s.bus, s.store, s.logger, metrics),
	}

	s.coord = coordinator.New(s.bus, s.store, coordinator.Config{
		TimeoutBudget: s.cfg.Coordinator.Timeout(),
		SweepInterval: s.cfg.Coordinator.SweepInterval,
		EvictionGrace: s.cfg.Coordinator.EvictionGrace,
		MaxAge:        s.cfg.Coordinator.MaxAge,
	}, s.logger, metrics)

	if s.cfg.Metrics.Enabled {
		s.metricsServer = metric.NewServer(s.cfg.Metrics.Port, s.cfg.Metrics.Path, s.registry)
	}

	s.initialized = true
	s.logger.Info("Supervisor initialized",
		"stages", len(s.stages),
		"llm", s.cfg.LLM.Enabled())
	return nil
}

func (s *Supervisor) initNATS(ctx context.Context) error {
	client, err := natsclient.NewClient(s.cfg.NATS.URL,
		natsclient.WithName(s.cfg.NATS.Name),
		natsclient.WithMaxReconnects(s.cfg.NATS.MaxReconnects),
		natsclient.WithLogger(s.logger))
	if err != nil {
		return errors.WrapInvalid(err, "Supervisor", "initNATS", "build NATS client")
	}
	if err := client.Connect(ctx); err != nil {
		return errors.WrapTransient(err, "Supervisor", "initNATS", "connect to NATS")
	}
	s.nats = client

	err = s.provision(ctx,
		func() (relay.Bus, error) {
			r := relay.New(client, s.logger)
			if err := r.EnsureStream(ctx, model.PipelineTopics(), s.cfg.NATS.StreamMaxAge); err != nil {
				return nil, err
			}
			return r, nil
		},
		func() (Store, error) {
			bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
				Bucket:      s.cfg.State.Bucket,
				Description: "Bug triage request state",
				TTL:         s.cfg.State.TTL,
			})
			if err != nil {
				return nil, errors.WrapTransient(err, "Supervisor", "initNATS", "provision state bucket")
			}
			return statestore.New(client.NewKVStore(bucket), s.logger), nil
		})
	if err != nil {
		return err
	}

	s.registry.CoreMetrics().RecordNATSStatus(true)
	return nil
}

// provision fills in the bus and store from the given factories.
// Injected dependencies survive; only the missing ones are built.
func (s *Supervisor) provision(_ context.Context, newBus func() (relay.Bus, error), newStore func() (Store, error)) error {
	if s.bus == nil {
		bus, err := newBus()
		if err != nil {
			return err
		}
		s.bus = bus
	}
	if s.store == nil {
		store, err := newStore()
		if err != nil {
			return err
		}
		s.store = store
	}
	return nil
}

func (s *Supervisor) initCapabilities() {
	if s.classifier == nil || s.formatter == nil {
		if s.cfg.LLM.Enabled() {
			provider, err := capability.NewChatProvider(s.cfg.LLM.APIKey)
			if err == nil {
				llmOpts := capability.LLMOptions{
					Model:       s.cfg.LLM.Model,
					MaxTokens:   s.cfg.LLM.MaxTokens,
					Temperature: s.cfg.LLM.Temperature,
				}
				if s.classifier == nil {
					s.classifier = capability.NewOpenAIClassifier(provider, llmOpts)
				}
				if s.formatter == nil {
					s.formatter = capability.NewOpenAIFormatter(provider, llmOpts)
				}
			}
		}
		if s.classifier == nil {
			s.classifier = capability.NewHeuristicClassifier()
		}
		if s.formatter == nil {
			s.formatter = capability.NewTemplateFormatter()
		}
	}

	if s.sink == nil {
		mock := capability.NewMockSink(
			s.cfg.GitHub.RepoOwner,
			s.cfg.GitHub.RepoName,
			s.cfg.GitHub.MockDelay,
			s.logger)
		cfg := retry.DefaultConfig()
		cfg.MaxAttempts = s.cfg.GitHub.MaxRetries + 1
		s.sink = capability.NewRetrySink(mock, cfg)
	}
}

// Start launches every stage, the coordinator, the metrics server, and
// the background health and cleanup loops.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.Wrap(errors.ErrNotStarted, "Supervisor", "Start", "initialize first")
	}
	if s.status == StatusRunning || s.status == StatusStarting {
		return errors.Wrap(errors.ErrAlreadyStarted, "Supervisor", "Start", "supervisor running")
	}
	s.status = StatusStarting

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, st := range s.stages {
		if err := st.Start(runCtx); err != nil {
			cancel()
			s.status = StatusFailed
			return err
		}
		s.monitor.UpdateHealthy(st.Name(), "consuming")
	}

	if err := s.coord.Start(runCtx); err != nil {
		cancel()
		s.status = StatusFailed
		return err
	}
	s.monitor.UpdateHealthy(coordinator.AgentName, "supervising")

	group, groupCtx := errgroup.WithContext(runCtx)
	s.group = group

	if s.metricsServer != nil {
		server := s.metricsServer
		group.Go(func() error {
			return server.Start()
		})
		group.Go(func() error {
			<-groupCtx.Done()
			return server.Stop()
		})
		s.logger.Info("Metrics endpoint up", "address", server.Address())
	}

	group.Go(func() error {
		s.healthLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		s.cleanupLoop(groupCtx)
		return nil
	})

	s.status = StatusRunning
	s.registry.CoreMetrics().RecordServiceStatus("supervisor", int(StatusRunning))
	s.logger.Info("Pipeline running")
	return nil
}

// Stop shuts the pipeline down in reverse start order, bounded by the
// timeout.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning {
		return nil
	}
	s.status = StatusStopping
	s.logger.Info("Stopping pipeline")

	var errs []error
	if err := s.coord.Stop(); err != nil {
		errs = append(errs, err)
	}
	for _, st := range s.stages {
		if err := st.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	s.cancel()
	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, err)
		}
	case <-time.After(timeout):
		errs = append(errs, fmt.Errorf("shutdown timed out after %s", timeout))
	}

	if s.nats != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.nats.Close(closeCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	s.status = StatusStopped
	s.registry.CoreMetrics().RecordServiceStatus("supervisor", int(StatusStopped))
	if len(errs) > 0 {
		return errors.WrapTransient(errs[0], "Supervisor", "Stop", "shutdown incomplete")
	}
	s.logger.Info("Pipeline stopped")
	return nil
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth()
		}
	}
}

func (s *Supervisor) checkHealth() {
	metrics := s.registry.CoreMetrics()

	coordHealth := s.coord.Health()
	s.monitor.Update(coordinator.AgentName, coordHealth)

	if s.nats != nil {
		if s.nats.IsHealthy() {
			s.monitor.UpdateHealthy("natsclient", "connected")
			metrics.RecordNATSStatus(true)
		} else {
			s.monitor.UpdateUnhealthy("natsclient", "connection unhealthy")
			metrics.RecordNATSStatus(false)
		}
	}

	aggregate := s.monitor.AggregateHealth("bugtriage")
	metrics.RecordHealthStatus("supervisor", aggregate.IsHealthy())
}

// cleanupLoop removes terminal records past the grace period. The KV
// TTL is the backstop; this keeps listings small between expiries.
func (s *Supervisor) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.store.CleanupCompleted(ctx, s.cfg.State.CleanupGrace); err != nil {
				s.logger.Warn("State cleanup failed", "error", err)
			}
		}
	}
}

// Submit hands a bug report to the pipeline
func (s *Supervisor) Submit(ctx context.Context, report *model.BugReport) (string, error) {
	return s.coord.Submit(ctx, report)
}

// GetStatus returns the lifecycle record for a request
func (s *Supervisor) GetStatus(ctx context.Context, requestID string) (*model.RequestState, error) {
	return s.coord.GetStatus(ctx, requestID)
}

// ListActive returns the coordinator's snapshot of in-flight requests
func (s *Supervisor) ListActive() []coordinator.ActiveRequest {
	return s.coord.ListActive()
}

// ListActiveStates returns full lifecycle records for every in-flight
// request, store view preferred
func (s *Supervisor) ListActiveStates(ctx context.Context) []*model.RequestState {
	return s.coord.ListActiveStates(ctx)
}

// Status returns the supervisor's lifecycle status
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Health returns the aggregated system health
func (s *Supervisor) Health() health.Status {
	return s.monitor.AggregateHealth("bugtriage")
}

// Monitor exposes the health monitor so callers can mount its HTTP
// handler.
func (s *Supervisor) Monitor() *health.Monitor {
	return s.monitor
}
