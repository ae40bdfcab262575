package model

// Topic names are fixed at deploy time. The three pipeline topics carry
// one message shape each; status-updates is the shared fan-in consumed by
// the coordinator.
const (
	TopicBugReports     = "bug-reports"
	TopicTriageResults  = "triage-results"
	TopicTicketCreation = "ticket-creation"
	TopicStatusUpdates  = "status-updates"
)

// PipelineTopics lists every topic in delivery order, status topic last.
func PipelineTopics() []string {
	return []string{
		TopicBugReports,
		TopicTriageResults,
		TopicTicketCreation,
		TopicStatusUpdates,
	}
}

// envelope carries only the correlation field. Stages probe inbound bytes
// with this shape before committing to a full decode.
type Envelope struct {
	RequestID string `json:"request_id"`
}

// BugReportMessage is the entry-topic message published at submission
type BugReportMessage struct {
	RequestID string     `json:"request_id"`
	BugReport *BugReport `json:"bug_report"`
}

// TriageMessage carries a triaged bug report to the formatter stage
type TriageMessage struct {
	RequestID    string        `json:"request_id"`
	BugReport    *BugReport    `json:"bug_report"`
	TriageResult *TriageResult `json:"triage_result"`
}

// TicketMessage carries the fully formatted ticket to the sink stage
type TicketMessage struct {
	RequestID     string                 `json:"request_id"`
	TicketRequest *TicketCreationRequest `json:"ticket_request"`
}
