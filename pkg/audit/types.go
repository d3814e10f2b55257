package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Billing run triggers
	EventTypeRunTriggered EventType = "billing.run_triggered"
	EventTypeRunRejected  EventType = "billing.run_rejected"
	EventTypeRunFailed    EventType = "billing.run_failed"

	// Gateway webhook deliveries
	EventTypeWebhookReconciled EventType = "webhook.reconciled"
	EventTypeWebhookRejected   EventType = "webhook.rejected"
	EventTypeWebhookFailed     EventType = "webhook.failed"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource an event concerns
type ResourceType string

const (
	ResourceTypeRun          ResourceType = "run"
	ResourceTypeSubscription ResourceType = "subscription"
	ResourceTypeAccount      ResourceType = "account"
	ResourceTypeTransaction  ResourceType = "transaction"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Caller is kind:subject of the authenticated principal, if any
	Caller string `json:"caller,omitempty"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	// Request context
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
