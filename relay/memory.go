package relay

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/ianlintner/AI-Pipeline/errors"
)

// Memory is an in-process Bus for tests and single-process development.
// It mirrors the consumer-group semantics of the NATS relay: each group
// gets every message for its topics once, delivered serially in publish
// order by a dedicated goroutine per group.
type Memory struct {
	mu     sync.Mutex
	groups map[string]*memoryGroup // group name -> subscription
	closed bool
	logger *slog.Logger
	wg     sync.WaitGroup

	// FailPublish forces Publish to report failure; tests use it to
	// exercise the relay-failure error path.
	FailPublish bool
}

type memoryGroup struct {
	topics  map[string]bool
	handler Handler
	ch      chan memoryMsg
}

type memoryMsg struct {
	topic string
	data  []byte
}

// NewMemory creates an in-process bus
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		groups: make(map[string]*memoryGroup),
		logger: logger.With("component", "memory-relay"),
	}
}

// Publish delivers data to every group subscribed to topic. It never
// blocks the caller beyond enqueueing into each group's buffer.
func (m *Memory) Publish(_ context.Context, topic, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.WrapTransient(errors.ErrShuttingDown, "Memory", "Publish", "bus closed")
	}
	if m.FailPublish {
		return errors.WrapTransient(errors.ErrPublishFailed, "Memory", "Publish", "forced failure")
	}

	// Copy so later mutation by the publisher cannot race delivery
	buf := make([]byte, len(data))
	copy(buf, data)

	for name, g := range m.groups {
		if !g.topics[topic] {
			continue
		}
		select {
		case g.ch <- memoryMsg{topic: topic, data: buf}:
		default:
			// A full buffer means the publish did not take; the caller's
			// failure path must fire, same as a broker nack.
			m.logger.Warn("Group buffer full, rejecting publish",
				"group", name, "topic", topic, "key", key)
			return errors.WrapTransient(errors.ErrPublishFailed, "Memory", "Publish",
				"group "+name+" buffer full")
		}
	}
	return nil
}

// Subscribe registers a consumer group and starts its delivery goroutine
func (m *Memory) Subscribe(_ context.Context, topics []string, group string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.WrapTransient(errors.ErrShuttingDown, "Memory", "Subscribe", "bus closed")
	}
	if _, exists := m.groups[group]; exists {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Memory", "Subscribe",
			"group "+group+" already subscribed")
	}

	g := &memoryGroup{
		topics:  make(map[string]bool, len(topics)),
		handler: handler,
		ch:      make(chan memoryMsg, 1024),
	}
	for _, t := range topics {
		g.topics[t] = true
	}
	m.groups[group] = g

	m.wg.Add(1)
	go m.deliver(group, g)

	return nil
}

// deliver runs one group's serial consume loop
func (m *Memory) deliver(group string, g *memoryGroup) {
	defer m.wg.Done()
	for msg := range g.ch {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error("Handler panic recovered",
						"group", group,
						"topic", msg.topic,
						"panic", rec,
						"stack", string(debug.Stack()))
				}
			}()
			g.handler(msg.topic, msg.data)
		}()
	}
}

// Unsubscribe stops the consumer group's delivery loop
func (m *Memory) Unsubscribe(group string) {
	m.mu.Lock()
	g, exists := m.groups[group]
	if exists {
		delete(m.groups, group)
	}
	m.mu.Unlock()

	if exists {
		close(g.ch)
	}
}

// Close stops every group and waits for in-flight handlers to finish
func (m *Memory) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	groups := m.groups
	m.groups = make(map[string]*memoryGroup)
	m.mu.Unlock()

	for _, g := range groups {
		close(g.ch)
	}
	m.wg.Wait()
}
