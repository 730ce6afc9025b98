package tasks

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind represents the supported automation task kinds
// @Description Automation task kind
type Kind string //@name TaskKind

const (
	KindNavigate   Kind = "navigate"
	KindExtract    Kind = "extract"
	KindScreenshot Kind = "screenshot"
	KindEvaluate   Kind = "evaluate"
)

// Status represents the current status of a task
// @Description Current status of an automation task
type Status string //@name TaskStatus

const (
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// ExtractFormat selects the shape of extracted page content
// @Description Extraction output format
type ExtractFormat string //@name ExtractFormat

const (
	FormatText     ExtractFormat = "text"
	FormatMarkdown ExtractFormat = "markdown"
)

// Task is one unit of automation work submitted to the admission
// controller.
type Task struct {
	ID       uuid.UUID `json:"id"`
	Kind     Kind      `json:"kind"`
	URL      string    `json:"url,omitempty"`
	Script   string    `json:"script,omitempty"`
	Selector string    `json:"selector,omitempty"`

	Format    ExtractFormat `json:"format,omitempty"`
	WaitUntil string        `json:"wait_until,omitempty"`
	FullPage  bool          `json:"full_page,omitempty"`

	// SessionKey selects session-reuse mode; empty means a fresh
	// context per task.
	SessionKey string `json:"session_id,omitempty"`

	Timeout      time.Duration `json:"-"`
	MaxRetries   int           `json:"max_retries"`
	RetryOnError bool          `json:"retry_on_error"`

	SubmittedAt time.Time `json:"submitted_at"`
	Status      Status    `json:"status"`
}

// New builds a task of the given kind with a fresh identifier. The
// retry budget starts unset (-1) so the admission controller can apply
// its configured default; an explicit zero means no retries.
func New(kind Kind) *Task {
	return &Task{
		ID:          uuid.New(),
		Kind:        kind,
		MaxRetries:  -1,
		SubmittedAt: time.Now(),
		Status:      StatusQueued,
	}
}

// Validate checks the per-kind required fields.
func (t *Task) Validate() error {
	switch t.Kind {
	case KindNavigate, KindExtract, KindScreenshot:
		if t.URL == "" {
			return fmt.Errorf("task kind %q requires a url", t.Kind)
		}
	case KindEvaluate:
		if t.Script == "" {
			return fmt.Errorf("task kind %q requires a script", t.Kind)
		}
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	if t.Kind == KindExtract && t.Format != "" &&
		t.Format != FormatText && t.Format != FormatMarkdown {
		return fmt.Errorf("unsupported extract format %q", t.Format)
	}
	return nil
}

// Transition moves the task to the next status, enforcing
// monotonicity. Invalid transitions are rejected so a task can never
// revisit an earlier state.
func (t *Task) Transition(next Status) error {
	if !CanTransition(t.Status, next) {
		return fmt.Errorf("invalid task transition %s -> %s", t.Status, next)
	}
	t.Status = next
	return nil
}

func statusOrder(s Status) int {
	switch s {
	case StatusQueued:
		return 0
	case StatusAssigned:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether a status ends the task lifecycle.
func IsTerminal(s Status) bool {
	return statusOrder(s) == 3
}

// CanTransition reports whether cur -> next is a legal move through
// the task state machine.
func CanTransition(cur, next Status) bool {
	if IsTerminal(cur) {
		return false
	}
	co, no := statusOrder(cur), statusOrder(next)
	if co < 0 || no < 0 {
		return false
	}
	if no == 3 {
		// Completion requires an actual run; failure-type outcomes can
		// strike at any stage (provisioning failure before the run,
		// cancellation while queued).
		if next == StatusCompleted {
			return cur == StatusRunning
		}
		return true
	}
	return no == co+1
}
