package report

import (
	"encoding/base64"
	"net/http"
	"regexp"
	"strings"

	"github.com/pagepool/pagepool/internal/tasks"
)

// ErrorBody is the structured error half of an envelope
// @Description Structured task error with a stable kind
type ErrorBody struct {
	Kind      tasks.FailureKind `json:"kind"`
	Message   string            `json:"message"`
	Retriable bool              `json:"retriable"`
} //@name ErrorBody

// Envelope is the uniform response shape for every task outcome
// @Description Uniform task response envelope
type Envelope struct {
	Status   string         `json:"status"`
	TaskID   string         `json:"task_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Error    *ErrorBody     `json:"error,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
} //@name ResponseEnvelope

// ToResponse normalizes an outcome into the envelope shape. Failure
// messages are sanitized; success payloads are flattened into data.
func ToResponse(o tasks.Outcome) Envelope {
	env := Envelope{
		TaskID:   o.TaskID.String(),
		Attempts: o.Attempts,
	}

	if o.OK() {
		env.Status = "ok"
		env.Data = resultData(o.Result)
		return env
	}

	env.Status = "error"
	failure := o.Failure
	if failure == nil {
		// Should not happen; keep the envelope well-formed anyway.
		failure = &tasks.Failure{Kind: tasks.FailExecution, Message: "unknown failure"}
	}
	env.Error = &ErrorBody{
		Kind:      failure.Kind,
		Message:   Sanitize(failure.Message),
		Retriable: failure.Retriable,
	}
	return env
}

func resultData(r *tasks.Result) map[string]any {
	if r == nil {
		return nil
	}
	data := make(map[string]any)
	if r.FinalURL != "" {
		data["final_url"] = r.FinalURL
	}
	if r.HTTPStatus != 0 {
		data["http_status"] = r.HTTPStatus
	}
	if r.Title != "" {
		data["title"] = r.Title
	}
	if r.Content != "" {
		data["content"] = r.Content
	}
	if len(r.Screenshot) > 0 {
		data["screenshot"] = base64.StdEncoding.EncodeToString(r.Screenshot)
	}
	if r.Value != nil {
		data["value"] = r.Value
	}
	return data
}

// HTTPStatus maps an envelope onto an HTTP status code. Failures map
// to stable codes the caller can branch on; nothing surfaces as an
// unclassified 500.
func HTTPStatus(env Envelope) int {
	if env.Status == "ok" {
		return http.StatusOK
	}
	if env.Error == nil {
		return http.StatusBadGateway
	}
	switch env.Error.Kind {
	case tasks.FailOverloaded:
		return http.StatusTooManyRequests
	case tasks.FailInvalid:
		return http.StatusBadRequest
	case tasks.FailTimeout:
		return http.StatusGatewayTimeout
	case tasks.FailCancelled:
		return 499 // client closed request
	default:
		return http.StatusBadGateway
	}
}

const maxMessageLen = 300

var (
	absPathPattern  = regexp.MustCompile(`(?:[A-Za-z]:)?(?:/[\w.~-]+){2,}`)
	endpointPattern = regexp.MustCompile(`wss?://\S+`)
)

// Sanitize reduces an internal diagnostic to a caller-safe summary:
// first line only, no filesystem paths, no protocol endpoints, capped
// length.
func Sanitize(msg string) string {
	if msg == "" {
		return msg
	}
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	msg = endpointPattern.ReplaceAllString(msg, "<endpoint>")
	msg = absPathPattern.ReplaceAllString(msg, "<path>")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen] + "..."
	}
	return msg
}
