// Package bugtriage is an event-driven pipeline that turns incoming bug
// reports into triaged, formatted GitHub issues.
//
// # Architecture
//
// Reports flow through three stages over a NATS JetStream message bus:
//
//	submit -> triage -> ticket formatting -> issue creation
//
// Each stage is an independent consumer group, so multiple replicas of a
// stage share the work. Stage boundaries are JSON messages on well-known
// topics (see the model package); the only other shared state is a
// per-request lifecycle record in a TTL key-value bucket (statestore).
//
// A coordinator supervises the whole flow: it assigns request IDs,
// publishes the initial report, watches status events, and fails
// requests that go quiet for longer than the timeout budget.
//
// # Packages
//
//   - model: wire messages, request state, and the status lifecycle
//   - relay: message bus abstraction (JetStream and in-memory)
//   - statestore: request state on NATS KV with CAS updates
//   - capability: triage classifiers, issue formatters, ticket sinks
//   - stage: the generic stage runner and the three pipeline steps
//   - coordinator: submission, status tracking, timeout supervision
//   - service: wires everything into one supervised lifecycle
//
// The cmd/bugtriage binary runs the full pipeline in one process;
// stages can also be embedded individually for horizontal scaling.
package bugtriage
