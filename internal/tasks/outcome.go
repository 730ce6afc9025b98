package tasks

import (
	"time"

	"github.com/google/uuid"
)

// FailureKind classifies task failures so callers can branch on a
// stable identifier
// @Description Stable failure classification
type FailureKind string //@name FailureKind

const (
	FailTimeout      FailureKind = "timeout"
	FailInstanceLost FailureKind = "instance-lost"
	FailNavigation   FailureKind = "navigation-error"
	FailExecution    FailureKind = "execution-error"
	FailProvisioning FailureKind = "provisioning-error"
	FailOverloaded   FailureKind = "overloaded"
	FailCancelled    FailureKind = "cancelled"
	FailInvalid      FailureKind = "invalid-request"
)

// Failure is the structured error half of an Outcome.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"message"`
	Retriable bool        `json:"retriable"`
}

// Result carries the success payload of a task.
type Result struct {
	// Navigation
	FinalURL   string `json:"final_url,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Title      string `json:"title,omitempty"`

	// Extraction
	Content string `json:"content,omitempty"`

	// Screenshot bytes; base64-encoded at the HTTP boundary.
	Screenshot []byte `json:"-"`

	// Evaluate return value.
	Value any `json:"value,omitempty"`
}

// Outcome is the terminal result of one task: either a payload or a
// structured failure, never both.
type Outcome struct {
	TaskID   uuid.UUID     `json:"task_id"`
	Status   Status        `json:"status"`
	Result   *Result       `json:"result,omitempty"`
	Failure  *Failure      `json:"failure,omitempty"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
}

// OK reports whether the outcome completed successfully.
func (o Outcome) OK() bool {
	return o.Status == StatusCompleted && o.Failure == nil
}

// Retriable reports whether the admission controller may re-run the
// task against a fresh context.
func (o Outcome) Retriable() bool {
	return o.Failure != nil && o.Failure.Retriable
}

// Completed builds a successful outcome.
func Completed(taskID uuid.UUID, res *Result) Outcome {
	return Outcome{TaskID: taskID, Status: StatusCompleted, Result: res}
}

// Failed builds a failed outcome with the given classification.
func Failed(taskID uuid.UUID, kind FailureKind, msg string, retriable bool) Outcome {
	status := StatusFailed
	switch kind {
	case FailTimeout:
		status = StatusTimedOut
	case FailCancelled:
		status = StatusCancelled
	}
	return Outcome{
		TaskID:  taskID,
		Status:  status,
		Failure: &Failure{Kind: kind, Message: msg, Retriable: retriable},
	}
}

// TimedOut builds the outcome for a deadline expiry; always retriable.
func TimedOut(taskID uuid.UUID) Outcome {
	return Failed(taskID, FailTimeout, "task deadline exceeded", true)
}

// InstanceLost builds the outcome for a browser process dying under a
// running task; always retriable.
func InstanceLost(taskID uuid.UUID) Outcome {
	return Failed(taskID, FailInstanceLost, "browser instance lost", true)
}
