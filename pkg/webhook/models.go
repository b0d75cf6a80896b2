package webhook

import (
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/frame/data"

	"github.com/voicetyped/vi/pkg/events"
)

// Endpoint is an event webhook configured for the assistant.
type Endpoint struct {
	ID         string
	URL        string
	Secret     string
	EventTypes []events.EventType
}

// Wants reports whether the endpoint subscribes to et. An empty filter
// subscribes to every event.
func (e Endpoint) Wants(et events.EventType) bool {
	return len(e.EventTypes) == 0 || slices.Contains(e.EventTypes, et)
}

// ParseEndpoints builds endpoints from a comma-separated URL list sharing one
// secret and one comma-separated event filter. Endpoint ids are the position
// in the list ("wh-1", "wh-2", ...).
func ParseEndpoints(urls, secret, eventTypes string) ([]Endpoint, error) {
	var types []events.EventType
	for _, t := range splitList(eventTypes) {
		types = append(types, events.EventType(t))
	}

	var out []Endpoint
	for i, u := range splitList(urls) {
		if secret == "" {
			return nil, fmt.Errorf("event webhook %q: a signing secret is required", u)
		}
		out = append(out, Endpoint{
			ID:         fmt.Sprintf("wh-%d", i+1),
			URL:        u,
			Secret:     secret,
			EventTypes: types,
		})
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// DeliveryAttempt records one attempt to deliver an event to an endpoint.
type DeliveryAttempt struct {
	data.BaseModel

	WebhookID     string       `gorm:"type:varchar(50);not null;index:idx_da_webhook" json:"webhook_id"`
	EventID       string       `gorm:"type:varchar(50);not null"                       json:"event_id"`
	EventType     string       `gorm:"type:varchar(100);not null"                      json:"event_type"`
	ResponseCode  int          `gorm:"default:0"                                       json:"response_code"`
	AttemptNumber int          `gorm:"default:1"                                       json:"attempt_number"`
	Status        string       `gorm:"type:varchar(20);not null;index:idx_da_status"   json:"status"`
	Error         string       `gorm:"type:text"                                       json:"error,omitempty"`
	DurationMs    int64        `gorm:"default:0"                                       json:"duration_ms"`
	NextRetryAt   sql.NullTime `json:"next_retry_at,omitempty"`
}

func (DeliveryAttempt) TableName() string { return "event_delivery_attempts" }

// DeadLetter holds events that exhausted all delivery retries.
type DeadLetter struct {
	data.BaseModel

	WebhookID string `gorm:"type:varchar(50);not null;index:idx_dl_webhook" json:"webhook_id"`
	EventID   string `gorm:"type:varchar(50);not null"                       json:"event_id"`
	EventType string `gorm:"type:varchar(100);not null"                      json:"event_type"`
	Payload   string `gorm:"type:text;not null"                              json:"payload"`
	LastError string `gorm:"type:text"                                       json:"last_error"`
	Attempts  int    `gorm:"default:0"                                       json:"attempts"`
}

func (DeadLetter) TableName() string { return "event_dead_letters" }
