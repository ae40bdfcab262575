// Package natsclient manages the NATS connection shared by the pipeline.
//
// The Client wraps a single nats.Conn plus its JetStream context and adds:
//
//   - A circuit breaker around connect and JetStream operations: after a
//     threshold of consecutive failures the circuit opens and operations
//     fail fast with ErrCircuitOpen until a backoff elapses.
//   - Acked stream publishes (PublishToStream blocks until the broker
//     confirms persistence).
//   - Durable consumers (ConsumeDurable) giving consumer-group semantics:
//     one cursor per durable name, so every group sees each message once.
//   - TTL key-value buckets (CreateKeyValueBucket) and a KVStore wrapper
//     with CAS read-modify-write retry (UpdateWithRetry).
//
// The relay and statestore packages build the pipeline's transport and
// persistence contracts on top of this client.
package natsclient
