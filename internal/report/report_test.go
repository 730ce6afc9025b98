package report

import (
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagepool/pagepool/internal/tasks"
)

func TestToResponseSuccess(t *testing.T) {
	id := uuid.New()
	out := tasks.Completed(id, &tasks.Result{
		FinalURL:   "https://example.com/",
		HTTPStatus: 200,
		Title:      "Example",
		Screenshot: []byte{0x89, 0x50},
	})
	out.Attempts = 1

	env := ToResponse(out)

	assert.Equal(t, "ok", env.Status)
	assert.Equal(t, id.String(), env.TaskID)
	assert.Nil(t, env.Error)
	assert.Equal(t, "https://example.com/", env.Data["final_url"])
	assert.Equal(t, 200, env.Data["http_status"])
	// Screenshot bytes come back base64-encoded.
	assert.Equal(t, "iVA=", env.Data["screenshot"])
}

func TestToResponseFailureSanitized(t *testing.T) {
	id := uuid.New()
	out := tasks.Failed(id, tasks.FailNavigation,
		"goto failed ws://127.0.0.1:53201/session\nstack trace line", true)

	env := ToResponse(out)

	assert.Equal(t, "error", env.Status)
	require.NotNil(t, env.Error)
	assert.Equal(t, tasks.FailNavigation, env.Error.Kind)
	assert.True(t, env.Error.Retriable)
	assert.NotContains(t, env.Error.Message, "127.0.0.1")
	assert.NotContains(t, env.Error.Message, "stack trace")
}

func TestHTTPStatusMapping(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		kind tasks.FailureKind
		code int
	}{
		{tasks.FailOverloaded, http.StatusTooManyRequests},
		{tasks.FailInvalid, http.StatusBadRequest},
		{tasks.FailTimeout, http.StatusGatewayTimeout},
		{tasks.FailCancelled, 499},
		{tasks.FailNavigation, http.StatusBadGateway},
		{tasks.FailExecution, http.StatusBadGateway},
		{tasks.FailProvisioning, http.StatusBadGateway},
		{tasks.FailInstanceLost, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			env := ToResponse(tasks.Failed(id, tt.kind, "x", false))
			assert.Equal(t, tt.code, HTTPStatus(env))
		})
	}

	ok := ToResponse(tasks.Completed(id, nil))
	assert.Equal(t, http.StatusOK, HTTPStatus(ok))
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "navigation failed", "navigation failed"},
		{"first line only", "line one\nline two\nline three", "line one"},
		{"ws endpoint", "connect ws://10.0.0.5:9222/devtools failed", "connect <endpoint> failed"},
		{"wss endpoint", "lost wss://grid.internal/session", "lost <endpoint>"},
		{"absolute path", "ENOENT /home/app/.cache/ms-playwright/firefox", "ENOENT <path>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitizeCapsLength(t *testing.T) {
	msg := strings.Repeat("a", 500)
	got := Sanitize(msg)
	assert.LessOrEqual(t, len(got), 303)
	assert.True(t, strings.HasSuffix(got, "..."))
}
