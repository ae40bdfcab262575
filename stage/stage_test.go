package stage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianlintner/AI-Pipeline/capability"
	"github.com/ianlintner/AI-Pipeline/model"
	"github.com/ianlintner/AI-Pipeline/relay"
	"github.com/ianlintner/AI-Pipeline/statestore"
)

func sampleReport() *model.BugReport {
	return &model.BugReport{
		ID:          "bug-1",
		Title:       "Checkout crashes on submit",
		Description: "The app crashes when submitting the checkout form",
		Reporter:    "bob@example.com",
		CreatedAt:   time.Now(),
	}
}

// statusCollector subscribes to the status topic and records every event
type statusCollector struct {
	mu      sync.Mutex
	updates []model.StatusUpdate
}

func collectStatus(t *testing.T, bus relay.Bus) *statusCollector {
	t.Helper()
	c := &statusCollector{}
	err := bus.Subscribe(context.Background(), []string{model.TopicStatusUpdates}, "status-collector",
		func(_ string, data []byte) {
			var update model.StatusUpdate
			if json.Unmarshal(data, &update) == nil {
				c.mu.Lock()
				c.updates = append(c.updates, update)
				c.mu.Unlock()
			}
		})
	require.NoError(t, err)
	return c
}

func (c *statusCollector) statuses() []model.TicketStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.TicketStatus, len(c.updates))
	for i, u := range c.updates {
		out[i] = u.Status
	}
	return out
}

func publishReport(t *testing.T, bus relay.Bus, requestID string, report *model.BugReport) {
	t.Helper()
	payload, err := json.Marshal(&model.BugReportMessage{RequestID: requestID, BugReport: report})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), model.TopicBugReports, requestID, payload))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func startStage(t *testing.T, s *Stage) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
}

func TestTriageStageHappyPath(t *testing.T) {
	bus := relay.NewMemory(nil)
	defer bus.Close()
	store := statestore.NewMemory()
	collector := collectStatus(t, bus)

	startStage(t, New(NewTriageStep(capability.NewHeuristicClassifier()), bus, store, nil, nil))

	var triageMsg model.TriageMessage
	var got bool
	var mu sync.Mutex
	require.NoError(t, bus.Subscribe(context.Background(), []string{model.TopicTriageResults}, "test-next",
		func(_ string, data []byte) {
			mu.Lock()
			defer mu.Unlock()
			if json.Unmarshal(data, &triageMsg) == nil {
				got = true
			}
		}))

	publishReport(t, bus, "req-1", sampleReport())

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return got })
	mu.Lock()
	assert.Equal(t, "req-1", triageMsg.RequestID)
	require.NotNil(t, triageMsg.TriageResult)
	assert.NoError(t, triageMsg.TriageResult.Validate())
	mu.Unlock()

	state, err := store.Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusTriaged, state.Status)
	require.NotEmpty(t, state.Progress)
	assert.Equal(t, "triage_completed", state.Progress[0].Step)

	waitFor(t, func() bool { return len(collector.statuses()) >= 2 })
	assert.Equal(t, model.StatusPending, collector.statuses()[0])
	assert.Equal(t, model.StatusTriaged, collector.statuses()[1])
}

func TestStageDropsMalformedMessages(t *testing.T) {
	bus := relay.NewMemory(nil)
	defer bus.Close()
	store := statestore.NewMemory()
	collector := collectStatus(t, bus)

	startStage(t, New(NewTriageStep(capability.NewHeuristicClassifier()), bus, store, nil, nil))

	require.NoError(t, bus.Publish(context.Background(), model.TopicBugReports, "", []byte("{not json")))
	require.NoError(t, bus.Publish(context.Background(), model.TopicBugReports, "", []byte(`{"bug_report": null}`)))

	// A valid message after the junk proves the stage kept running
	publishReport(t, bus, "req-ok", sampleReport())

	waitFor(t, func() bool {
		_, err := store.Get(context.Background(), "req-ok")
		return err == nil
	})

	states, err := store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, states, 1)

	// Malformed messages produce no status events
	collector.mu.Lock()
	for _, u := range collector.updates {
		assert.Equal(t, "req-ok", u.RequestID)
	}
	collector.mu.Unlock()
}

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, *model.BugReport) (*model.TriageResult, error) {
	return nil, assert.AnError
}

func TestStageFailureMarksRequestFailed(t *testing.T) {
	bus := relay.NewMemory(nil)
	defer bus.Close()
	store := statestore.NewMemory()
	collector := collectStatus(t, bus)

	startStage(t, New(NewTriageStep(failingClassifier{}), bus, store, nil, nil))

	publishReport(t, bus, "req-fail", sampleReport())

	waitFor(t, func() bool {
		state, err := store.Get(context.Background(), "req-fail")
		return err == nil && state.Status == model.StatusFailed
	})

	state, err := store.Get(context.Background(), "req-fail")
	require.NoError(t, err)
	assert.Contains(t, state.ErrorMessage, "triage failed")

	waitFor(t, func() bool {
		statuses := collector.statuses()
		return len(statuses) > 0 && statuses[len(statuses)-1] == model.StatusFailed
	})
}

func TestFullPipelineThroughAllStages(t *testing.T) {
	bus := relay.NewMemory(nil)
	defer bus.Close()
	store := statestore.NewMemory()
	collector := collectStatus(t, bus)

	startStage(t, New(NewTriageStep(capability.NewHeuristicClassifier()), bus, store, nil, nil))
	startStage(t, New(NewTicketStep(capability.NewTemplateFormatter()), bus, store, nil, nil))
	startStage(t, New(NewSinkStep(capability.NewMockSink("acme", "webapp", 0, nil)), bus, store, nil, nil))

	publishReport(t, bus, "req-e2e", sampleReport())

	waitFor(t, func() bool {
		state, err := store.Get(context.Background(), "req-e2e")
		return err == nil && state.Status == model.StatusCreated
	})

	state, err := store.Get(context.Background(), "req-e2e")
	require.NoError(t, err)
	assert.NotZero(t, state.GitHubIssueNumber)
	assert.Contains(t, state.GitHubIssueURL, "github.com/acme/webapp/issues/")
	assert.Equal(t, statestore.StepCompleted, state.CurrentStep)

	steps := make([]string, len(state.Progress))
	for i, p := range state.Progress {
		steps[i] = p.Step
	}
	assert.Equal(t, []string{"triage_completed", "github_issue_formatted", "issue_created"}, steps)

	waitFor(t, func() bool {
		statuses := collector.statuses()
		return len(statuses) > 0 && statuses[len(statuses)-1] == model.StatusCreated
	})
	// Lifecycle events arrive in pipeline order
	assert.Equal(t, []model.TicketStatus{
		model.StatusPending,
		model.StatusTriaged,
		model.StatusInProgress,
		model.StatusCreated,
	}, collector.statuses())
}

func TestStageStartStopLifecycle(t *testing.T) {
	bus := relay.NewMemory(nil)
	defer bus.Close()
	store := statestore.NewMemory()

	s := New(NewTriageStep(capability.NewHeuristicClassifier()), bus, store, nil, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	// Restart after stop is allowed
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}

func TestSinkStepOutcome(t *testing.T) {
	sink := capability.NewMockSink("acme", "webapp", 0, nil)
	step := NewSinkStep(sink)

	ticket := &model.TicketCreationRequest{
		RequestID:   "req-1",
		GitHubIssue: model.GitHubIssue{Title: "[LOW] typo", Body: "body"},
	}
	payload, err := json.Marshal(&model.TicketMessage{RequestID: "req-1", TicketRequest: ticket})
	require.NoError(t, err)

	task, err := step.Decode(payload)
	require.NoError(t, err)

	outcome, err := step.Apply(context.Background(), task)
	require.NoError(t, err)
	assert.Empty(t, outcome.NextTopic)
	require.NotNil(t, outcome.Issue)
	assert.Equal(t, model.StatusCreated, outcome.Status)
	assert.Equal(t, outcome.Issue.Number, outcome.Metadata[model.MetaIssueNumber])
}
