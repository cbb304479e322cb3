package bus

import (
	"encoding/json"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/agentplane/agentplane/core/requestplane"
)

// Event kinds, one logical stream each
const (
	KindAgentRun       = "agent_run"
	KindToolCall       = "tool_call"
	KindIngestDoc      = "ingest_doc"
	KindUsageMetered   = "usage_metered"
	KindRouterDecision = "router_decision"
	KindWSMessage      = "ws_message"
	KindBillingEvent   = "billing_event"
	KindAuditLog       = "audit_log"
)

// StreamKinds lists every event kind in its canonical order
var StreamKinds = []string{
	KindAgentRun,
	KindToolCall,
	KindIngestDoc,
	KindUsageMetered,
	KindRouterDecision,
	KindWSMessage,
	KindBillingEvent,
	KindAuditLog,
}

// DLQPrefix prefixes the dead-letter stream of each kind
const DLQPrefix = "dlq."

// EnvelopeVersion is the current schema version stamped on every envelope.
// Consumers reject envelopes whose major version they do not know.
const EnvelopeVersion = "1.0"

// KnownKind reports whether kind names one of the streams
func KnownKind(kind string) bool {
	for _, k := range StreamKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// DLQName returns the dead-letter stream name for a kind
func DLQName(kind string) string {
	return DLQPrefix + kind
}

// Subject returns the external fan-out topic for an envelope
func Subject(kind string, priority requestplane.Priority) string {
	if priority >= requestplane.PriorityHigh {
		return "events." + priority.String() + "." + kind
	}
	return "events." + kind
}

// Envelope is the wire unit of the event bus. Payloads are opaque JSON;
// headers carry everything routing and dedup need.
type Envelope struct {
	EventID       string               `json:"eventId"`
	Kind          string               `json:"kind"`
	TenantID      string               `json:"tenantId"`
	Priority      requestplane.Priority `json:"priority"`
	CorrelationID string               `json:"correlationId,omitempty"`
	PublishedAt   time.Time            `json:"publishedAt"`
	Version       string               `json:"version"`
	Payload       json.RawMessage      `json:"payload"`

	// DLQ metadata, set when the envelope moves to a dead-letter stream
	FailedKind   string `json:"failedKind,omitempty"`
	FailureCause string `json:"failureCause,omitempty"`
	Deliveries   int    `json:"deliveries,omitempty"`
}

// Validate checks envelope well-formedness before it enters a stream
func (e *Envelope) Validate() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.EventID, validation.Required),
		validation.Field(&e.Kind, validation.Required, validation.By(func(value interface{}) error {
			kind, _ := value.(string)
			if !KnownKind(kind) {
				return requestplane.ErrStreamNotFound
			}
			return nil
		})),
		validation.Field(&e.TenantID, validation.Required),
		validation.Field(&e.PublishedAt, validation.Required),
		validation.Field(&e.Version, validation.Required),
	)
}

// NewEnvelope builds a validated envelope around an arbitrary payload
func NewEnvelope(kind, tenantID string, priority requestplane.Priority, payload any, correlationID string) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		EventID:       requestplane.NewEventID(),
		Kind:          kind,
		TenantID:      tenantID,
		Priority:      priority,
		CorrelationID: correlationID,
		PublishedAt:   time.Now().UTC(),
		Version:       EnvelopeVersion,
		Payload:       data,
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}
