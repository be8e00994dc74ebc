package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskKind string

const (
	KindOnce     TaskKind = "once"
	KindInterval TaskKind = "interval"
)

type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusFailure ExecutionStatus = "failure"
)

// WebhookCall describes the outbound HTTP request a task performs when it
// fires. Method defaults to GET when empty.
type WebhookCall struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
}

// Task is a scheduled webhook. For interval tasks TriggerAt always holds
// the next firing time, never the original one. ClaimedAt is the claim
// marker set while a firing is in flight; DeletedAt marks a soft delete.
type Task struct {
	ID              string
	Name            string
	Kind            TaskKind
	TriggerAt       time.Time
	IntervalSeconds int64 // set iff Kind == KindInterval
	Payload         WebhookCall
	CreatedAt       time.Time
	ClaimedAt       *time.Time
	DeletedAt       *time.Time
}

// Execution records a single firing of a task. Append-only.
type Execution struct {
	ID         string
	TaskID     string
	ExecutedAt time.Time
	Output     string
	Status     ExecutionStatus
}

func NewTaskID() string      { return "tsk_" + uuid.NewString() }
func NewExecutionID() string { return "exe_" + uuid.NewString() }

// Validate checks the creation-time invariants. Tasks that fail here are
// never accepted into the store.
func (t *Task) Validate() error {
	if t.Name == "" {
		return errors.New("name is required")
	}
	if t.TriggerAt.IsZero() {
		return errors.New("trigger_at is required")
	}
	switch t.Kind {
	case KindOnce:
		if t.IntervalSeconds != 0 {
			return errors.New("interval_seconds is only valid for interval tasks")
		}
	case KindInterval:
		if t.IntervalSeconds == 0 {
			return errors.New("interval_seconds is required for interval tasks")
		}
		if t.IntervalSeconds < 1 {
			return errors.New("interval_seconds must be at least 1 second")
		}
	default:
		return fmt.Errorf("invalid task_type %q, use 'once' or 'interval'", t.Kind)
	}
	if t.Payload.URL == "" {
		return errors.New("missing 'url' in payload")
	}
	if m := t.Payload.Method; m != "" && !allowedMethods[m] {
		return fmt.Errorf("invalid method %q, allowed: GET, POST, PUT, DELETE, PATCH", m)
	}
	return nil
}
