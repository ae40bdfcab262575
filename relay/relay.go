// Package relay provides the reliable publish/subscribe primitive the
// pipeline stages use to hand work to the next stage and to broadcast
// status events.
package relay

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ianlintner/AI-Pipeline/errors"
	"github.com/ianlintner/AI-Pipeline/natsclient"
	"github.com/ianlintner/AI-Pipeline/pkg/retry"
)

// Handler processes one delivered message. Handlers are invoked serially
// per consumer group, in the order messages were produced for a topic.
type Handler func(topic string, data []byte)

// Bus is the transport contract the pipeline depends on.
//
// Publish blocks until the broker acknowledges persistence and returns an
// error (never panics) on failure, so callers can apply local error
// handling without crashing their stage. Subscribe registers a durable
// consumer group: each group has its own cursor, so the same message
// reaches every subscribed group exactly once per group, at least once
// overall.
type Bus interface {
	Publish(ctx context.Context, topic, key string, data []byte) error
	Subscribe(ctx context.Context, topics []string, group string, handler Handler) error
	Unsubscribe(group string)
}

// StreamName is the JetStream stream backing all pipeline topics
const StreamName = "BUGTRIAGE"

// Relay is the NATS-backed Bus implementation
type Relay struct {
	client *natsclient.Client
	logger *slog.Logger
}

// New creates a relay over an established NATS client
func New(client *natsclient.Client, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client: client,
		logger: logger.With("component", "relay"),
	}
}

// EnsureStream provisions the stream covering every pipeline topic.
// Retries briefly so startup tolerates a broker that is still coming up.
func (r *Relay) EnsureStream(ctx context.Context, topics []string, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	cfg := jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  topics,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    maxAge,
	}

	err := retry.Do(ctx, retry.Quick(), func() error {
		_, err := r.client.CreateStream(ctx, cfg)
		return err
	})
	if err != nil {
		return errors.WrapTransient(err, "Relay", "EnsureStream", "create stream")
	}

	r.logger.Info("Stream ready", "stream", StreamName, "topics", topics)
	return nil
}

// Publish publishes a message to a topic and blocks until the broker acks
// persistence. The key identifies the request for per-key ordering; NATS
// preserves publish order per subject, which subsumes per-key order here.
func (r *Relay) Publish(ctx context.Context, topic, key string, data []byte) error {
	if err := r.client.PublishToStream(ctx, topic, data); err != nil {
		r.logger.Error("Publish failed",
			"topic", topic,
			"key", key,
			"error", err)
		return errors.WrapTransient(err, "Relay", "Publish", "stream ack")
	}

	r.logger.Debug("Message published", "topic", topic, "key", key)
	return nil
}

// Subscribe starts a durable consumer group over the given topics. The
// handler is guarded: a panic while processing one message is logged and
// the consume loop moves on to the next message.
func (r *Relay) Subscribe(ctx context.Context, topics []string, group string, handler Handler) error {
	guarded := func(topic string, data []byte) {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Handler panic recovered",
					"group", group,
					"topic", topic,
					"panic", rec,
					"stack", string(debug.Stack()))
			}
		}()
		handler(topic, data)
	}

	err := r.client.ConsumeDurable(ctx, StreamName, group, topics, guarded)
	if err != nil {
		return errors.WrapTransient(err, "Relay", "Subscribe",
			"create durable consumer "+group)
	}

	r.logger.Info("Consumer group started", "group", group, "topics", topics)
	return nil
}

// Unsubscribe stops the consumer group's delivery
func (r *Relay) Unsubscribe(group string) {
	r.client.StopConsumer(StreamName, group)
}
