package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pagepool/pagepool/internal/admission"
	"github.com/pagepool/pagepool/internal/pool"
	"github.com/pagepool/pagepool/internal/report"
	"github.com/pagepool/pagepool/internal/sessions"
	"github.com/pagepool/pagepool/internal/tasks"
)

// API exposes the task and session surface over HTTP.
type API struct {
	admission *admission.Controller
	sessions  *sessions.Manager
	pool      *pool.Pool
}

// New creates the HTTP API bound to the given components.
func New(ac *admission.Controller, sm *sessions.Manager, p *pool.Pool) *API {
	return &API{admission: ac, sessions: sm, pool: p}
}

// RegisterRoutes mounts all task and session routes on the group.
func (a *API) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/tasks", a.submitTask)
	rg.POST("/tasks/batch", a.submitBatch)
	rg.GET("/pool", a.getPool)
	rg.GET("/sessions", a.listSessions)
	rg.DELETE("/sessions/:key", a.deleteSession)
}

// TaskRequest is one task submission
// @Description Automation task submission payload
type TaskRequest struct {
	Kind     string `json:"kind" binding:"required"`
	URL      string `json:"url"`
	Script   string `json:"script"`
	Selector string `json:"selector"`
	Format   string `json:"format"`

	SessionID string `json:"session_id"`
	WaitUntil string `json:"wait_until"`
	FullPage  bool   `json:"full_page"`

	TimeoutMS    int  `json:"timeout_ms"`
	MaxRetries   *int `json:"max_retries"`
	RetryOnError bool `json:"retry_on_error"`
} //@name TaskRequest

// BatchRequest wraps several task submissions
// @Description Batch of automation task submissions
type BatchRequest struct {
	Tasks []TaskRequest `json:"tasks" binding:"required"`
} //@name BatchRequest

func (r *TaskRequest) toTask() *tasks.Task {
	t := tasks.New(tasks.Kind(r.Kind))
	t.URL = r.URL
	t.Script = r.Script
	t.Selector = r.Selector
	t.Format = tasks.ExtractFormat(r.Format)
	t.SessionKey = r.SessionID
	t.WaitUntil = r.WaitUntil
	t.FullPage = r.FullPage
	t.RetryOnError = r.RetryOnError
	if r.TimeoutMS > 0 {
		t.Timeout = time.Duration(r.TimeoutMS) * time.Millisecond
	}
	if r.MaxRetries != nil && *r.MaxRetries >= 0 {
		t.MaxRetries = *r.MaxRetries
	}
	return t
}

// submitTask godoc
// @Summary Submit an automation task
// @Description Runs one task against a pooled browser and waits for its outcome
// @Tags tasks
// @Accept json
// @Produce json
// @Param task body TaskRequest true "Task to run"
// @Success 200 {object} report.Envelope
// @Failure 400 {object} report.Envelope
// @Failure 429 {object} report.Envelope
// @Failure 502 {object} report.Envelope
// @Failure 504 {object} report.Envelope
// @Router /tasks [post]
func (a *API) submitTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, invalidEnvelope("", err))
		return
	}

	t := req.toTask()
	env := a.runTask(c, t)
	c.JSON(report.HTTPStatus(env), env)
}

// submitBatch godoc
// @Summary Submit a batch of automation tasks
// @Description Runs each task in order and returns one envelope per task
// @Tags tasks
// @Accept json
// @Produce json
// @Param batch body BatchRequest true "Tasks to run"
// @Success 200 {object} map[string]any
// @Failure 400 {object} report.Envelope
// @Router /tasks/batch [post]
func (a *API) submitBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, invalidEnvelope("", err))
		return
	}
	if len(req.Tasks) == 0 {
		c.JSON(http.StatusBadRequest, invalidEnvelope("", errors.New("batch contains no tasks")))
		return
	}

	results := make([]report.Envelope, 0, len(req.Tasks))
	for i := range req.Tasks {
		t := req.Tasks[i].toTask()
		results = append(results, a.runTask(c, t))
		if c.Request.Context().Err() != nil {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// runTask submits one task and blocks until its outcome, the caller
// disconnecting cancels the wait.
func (a *API) runTask(c *gin.Context, t *tasks.Task) report.Envelope {
	ctx := c.Request.Context()

	out, err := a.admission.Submit(ctx, t)
	if err != nil {
		switch {
		case errors.Is(err, admission.ErrOverloaded):
			return errorEnvelope(t.ID.String(), tasks.FailOverloaded, "service at capacity, try again later", true)
		case errors.Is(err, admission.ErrShuttingDown):
			return errorEnvelope(t.ID.String(), tasks.FailCancelled, "service shutting down", false)
		default:
			return invalidEnvelope(t.ID.String(), err)
		}
	}

	select {
	case outcome := <-out:
		return report.ToResponse(outcome)
	case <-ctx.Done():
		// The admission controller still resolves the task; the caller
		// just stopped waiting.
		return errorEnvelope(t.ID.String(), tasks.FailCancelled, "client disconnected", false)
	}
}

// getPool godoc
// @Summary Browser pool status
// @Description Live pool composition plus admission load
// @Tags pool
// @Produce json
// @Success 200 {object} map[string]any
// @Router /pool [get]
func (a *API) getPool(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pool":      a.pool.Stats(),
		"admission": a.admission.Stats(),
	})
}

// listSessions godoc
// @Summary List keyed sessions
// @Tags sessions
// @Produce json
// @Success 200 {object} map[string]any
// @Router /sessions [get]
func (a *API) listSessions(c *gin.Context) {
	infos := a.sessions.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": infos,
		"count":    len(infos),
	})
}

// deleteSession godoc
// @Summary Destroy a keyed session
// @Description Tears the session down now if idle, or as soon as its current task finishes
// @Tags sessions
// @Produce json
// @Param key path string true "Session key"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /sessions/{key} [delete]
func (a *API) deleteSession(c *gin.Context) {
	key := c.Param("key")
	if !a.sessions.DestroySession(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": key})
}

func invalidEnvelope(taskID string, err error) report.Envelope {
	return errorEnvelope(taskID, tasks.FailInvalid, report.Sanitize(err.Error()), false)
}

func errorEnvelope(taskID string, kind tasks.FailureKind, msg string, retriable bool) report.Envelope {
	return report.Envelope{
		Status: "error",
		TaskID: taskID,
		Error: &report.ErrorBody{
			Kind:      kind,
			Message:   msg,
			Retriable: retriable,
		},
	}
}
