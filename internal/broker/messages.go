package broker

import (
	"encoding/json"
	"time"
)

// WorkMessage is the unit of work dispatched through the broker. The
// payload is opaque to the dispatch layer. Attempt is filled in from the
// broker's delivery metadata on consumption, not by the publisher.
type WorkMessage struct {
	JobID   string          `json:"job_id"`
	Stage   int             `json:"stage"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NotificationEvent fans out job lifecycle events on the events exchange
// (routing keys notification.completed, notification.failed).
type NotificationEvent struct {
	JobID     string    `json:"job_id"`
	Event     string    `json:"event"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
