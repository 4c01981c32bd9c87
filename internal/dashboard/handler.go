package dashboard

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/schedule"
	"github.com/mschirtzinger/tasksync/internal/tasksync"
)

// Handler serves the task API of one or more sync services and forwards
// their published states to the server's WebSocket clients.
type Handler struct {
	server   *Server
	services map[model.Kind]*tasksync.Service
	order    []model.Kind
	queue    *queue.Queue
	logger   *log.Logger
	now      func() time.Time
}

// NewHandler creates a handler connected to a dashboard server. The queue
// may be nil, in which case /api/queue answers 404.
func NewHandler(server *Server, q *queue.Queue, logger *log.Logger, services ...*tasksync.Service) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	h := &Handler{
		server:   server,
		services: make(map[model.Kind]*tasksync.Service, len(services)),
		queue:    q,
		logger:   logger,
		now:      time.Now,
	}
	for _, svc := range services {
		kind := svc.WorkType().Kind
		h.services[kind] = svc
		h.order = append(h.order, kind)
	}
	server.OnConnect(h.snapshots)
	return h
}

// Register mounts the API routes.
func (h *Handler) Register(r gin.IRouter) {
	api := r.Group("/api")
	{
		api.GET("/queue", h.handleQueue)

		kind := api.Group("/:kind", h.resolve)
		kind.GET("/state", h.handleState)
		kind.POST("/load", h.handleLoad)
		kind.POST("/tasks", h.handleCreate)
		kind.PATCH("/tasks/:id", h.handlePatch)
		kind.DELETE("/tasks/:id", h.handleDelete)
		kind.POST("/tasks/:id/toggle", h.handleToggle)
		kind.POST("/tasks/:id/push", h.handlePush)
		kind.POST("/tasks/:id/start", h.handleStart)
		kind.POST("/tasks/:id/subtasks", h.handleAddSubtask)
		kind.PATCH("/tasks/:id/subtasks/:sid", h.handlePatchSubtask)
		kind.DELETE("/tasks/:id/subtasks/:sid", h.handleDeleteSubtask)
		kind.POST("/tasks/:id/subtasks/:sid/toggle", h.handleToggleSubtask)
	}
}

// Forward broadcasts every published state of every service until ctx is
// done.
func (h *Handler) Forward(ctx context.Context) {
	for _, kind := range h.order {
		states, cancel := h.services[kind].Subscribe()
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case st := <-states:
					h.broadcastState(st)
				}
			}
		}()
	}
}

func (h *Handler) broadcastState(st tasksync.State) {
	msg, err := NewMessage(MessageTypeState, st)
	if err != nil {
		h.logger.Printf("Failed to marshal state: %v", err)
		return
	}
	h.server.Broadcast(msg)
}

// snapshots is the welcome of new WebSocket clients: the current state of
// every service.
func (h *Handler) snapshots() []Message {
	out := make([]Message, 0, len(h.order))
	for _, kind := range h.order {
		msg, err := NewMessage(MessageTypeState, h.services[kind].State())
		if err != nil {
			h.logger.Printf("Failed to marshal state: %v", err)
			continue
		}
		out = append(out, msg)
	}
	return out
}

const serviceKey = "service"

// resolve looks up the service named by the :kind parameter.
func (h *Handler) resolve(c *gin.Context) {
	svc, ok := h.services[model.Kind(c.Param("kind"))]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown work type " + strconv.Quote(c.Param("kind"))})
		return
	}
	c.Set(serviceKey, svc)
	c.Next()
}

func service(c *gin.Context) *tasksync.Service {
	return c.MustGet(serviceKey).(*tasksync.Service)
}

// writeError maps service errors to status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tasksync.ErrTaskNotFound), errors.Is(err, tasksync.ErrSubtaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tasksync.ErrInvalidInput), errors.Is(err, schedule.ErrUnrecognized):
		status = http.StatusBadRequest
	case errors.Is(err, tasksync.ErrUnauthenticated):
		status = http.StatusUnauthorized
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *Handler) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, service(c).State())
}

func (h *Handler) handleLoad(c *gin.Context) {
	bucket := ""
	if date := c.Query("date"); date != "" {
		day, err := schedule.ParseDay(date, h.now())
		if err != nil {
			writeError(c, err)
			return
		}
		bucket = day
	}

	st, err := service(c).Load(c.Request.Context(), bucket)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type createRequest struct {
	Title             string   `json:"title"`
	Description       *string  `json:"description"`
	Priority          string   `json:"priority"`
	Date              string   `json:"date"`
	DueDate           string   `json:"due_date"`
	EstimatedDuration *int     `json:"estimated_duration"`
	TimeEstimate      *int     `json:"time_estimate"`
	Tags              []string `json:"tags"`
	Category          *string  `json:"category"`
	FocusBlocks       *int     `json:"focus_blocks"`
	BreakDuration     *int     `json:"break_duration"`
	InterruptionMode  *string  `json:"interruption_mode"`
}

func (h *Handler) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	d := tasksync.Draft{
		Title:             req.Title,
		Description:       req.Description,
		EstimatedDuration: req.EstimatedDuration,
		TimeEstimate:      req.TimeEstimate,
		Tags:              req.Tags,
		Category:          req.Category,
		FocusBlocks:       req.FocusBlocks,
		BreakDuration:     req.BreakDuration,
		InterruptionMode:  req.InterruptionMode,
	}
	if req.Priority != "" {
		p, err := model.ParsePriority(req.Priority)
		if err != nil {
			badRequest(c, err)
			return
		}
		d.Priority = p
	}
	if req.Date != "" {
		day, err := schedule.ParseDay(req.Date, h.now())
		if err != nil {
			writeError(c, err)
			return
		}
		d.Date = day
	}
	due, err := schedule.ParseOptionalDay(req.DueDate, h.now())
	if err != nil {
		writeError(c, err)
		return
	}
	d.DueDate = due

	task, err := service(c).CreateTask(c.Request.Context(), d)
	if err != nil {
		writeError(c, err)
		return
	}
	h.afterMutation(c, http.StatusCreated, task)
}

// patchRequest carries the fields to change. Absent fields are left alone.
type patchRequest struct {
	Title        *string   `json:"title"`
	Priority     *string   `json:"priority"`
	DueDate      *string   `json:"due_date"`
	TimeEstimate *int      `json:"time_estimate"`
	Description  *string   `json:"description"`
	Tags         *[]string `json:"tags"`

	// ClearDueDate and ClearTimeEstimate remove the value.
	ClearDueDate      bool `json:"clear_due_date"`
	ClearTimeEstimate bool `json:"clear_time_estimate"`
}

func (h *Handler) handlePatch(c *gin.Context) {
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	svc, ctx, id := service(c), c.Request.Context(), c.Param("id")
	var steps []func() (*model.Task, error)

	if req.Title != nil {
		steps = append(steps, func() (*model.Task, error) { return svc.UpdateTaskTitle(ctx, id, *req.Title) })
	}
	if req.Priority != nil {
		p, err := model.ParsePriority(*req.Priority)
		if err != nil {
			badRequest(c, err)
			return
		}
		steps = append(steps, func() (*model.Task, error) { return svc.UpdateTaskPriority(ctx, id, p) })
	}
	switch {
	case req.ClearDueDate:
		steps = append(steps, func() (*model.Task, error) { return svc.UpdateTaskDueDate(ctx, id, nil) })
	case req.DueDate != nil:
		due, err := schedule.ParseDay(*req.DueDate, h.now())
		if err != nil {
			writeError(c, err)
			return
		}
		steps = append(steps, func() (*model.Task, error) { return svc.UpdateTaskDueDate(ctx, id, &due) })
	}
	switch {
	case req.ClearTimeEstimate:
		steps = append(steps, func() (*model.Task, error) { return svc.UpdateTaskTimeEstimate(ctx, id, nil) })
	case req.TimeEstimate != nil:
		steps = append(steps, func() (*model.Task, error) { return svc.UpdateTaskTimeEstimate(ctx, id, req.TimeEstimate) })
	}
	if req.Description != nil {
		steps = append(steps, func() (*model.Task, error) { return svc.UpdateTaskDescription(ctx, id, req.Description) })
	}
	if req.Tags != nil {
		steps = append(steps, func() (*model.Task, error) { return svc.UpdateTaskTags(ctx, id, *req.Tags) })
	}

	if len(steps) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	var task *model.Task
	for _, step := range steps {
		var err error
		if task, err = step(); err != nil {
			writeError(c, err)
			return
		}
	}
	h.afterMutation(c, http.StatusOK, task)
}

func (h *Handler) handleDelete(c *gin.Context) {
	if err := service(c).DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	h.broadcastQueue(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleToggle(c *gin.Context) {
	task, err := service(c).ToggleTaskCompletion(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.afterMutation(c, http.StatusOK, task)
}

type pushRequest struct {
	Date string `json:"date" binding:"required"`
}

func (h *Handler) handlePush(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	day, err := schedule.ParseDay(req.Date, h.now())
	if err != nil {
		writeError(c, err)
		return
	}

	task, err := service(c).PushTaskToAnotherDay(c.Request.Context(), c.Param("id"), day)
	if err != nil {
		writeError(c, err)
		return
	}
	h.afterMutation(c, http.StatusOK, task)
}

func (h *Handler) handleStart(c *gin.Context) {
	task, err := service(c).StartTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.afterMutation(c, http.StatusOK, task)
}

type subtaskRequest struct {
	Title           string  `json:"title"`
	Text            *string `json:"text"`
	Priority        string  `json:"priority"`
	DueDate         string  `json:"due_date"`
	EstimatedTime   *int    `json:"estimated_time"`
	RequiresFocus   *bool   `json:"requires_focus"`
	ComplexityLevel *int    `json:"complexity_level"`
}

func (h *Handler) handleAddSubtask(c *gin.Context) {
	var req subtaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	d := tasksync.SubtaskDraft{
		Title:           req.Title,
		Text:            req.Text,
		EstimatedTime:   req.EstimatedTime,
		RequiresFocus:   req.RequiresFocus,
		ComplexityLevel: req.ComplexityLevel,
	}
	if req.Priority != "" {
		p, err := model.ParsePriority(req.Priority)
		if err != nil {
			badRequest(c, err)
			return
		}
		d.Priority = &p
	}
	due, err := schedule.ParseOptionalDay(req.DueDate, h.now())
	if err != nil {
		writeError(c, err)
		return
	}
	d.DueDate = due

	sub, err := service(c).AddSubtask(c.Request.Context(), c.Param("id"), d)
	if err != nil {
		writeError(c, err)
		return
	}
	h.afterMutation(c, http.StatusCreated, sub)
}

// subtaskPatchRequest mirrors patchRequest for the subtask fields.
type subtaskPatchRequest struct {
	Title         *string `json:"title"`
	Priority      *string `json:"priority"`
	DueDate       *string `json:"due_date"`
	EstimatedTime *int    `json:"estimated_time"`

	ClearPriority      bool `json:"clear_priority"`
	ClearDueDate       bool `json:"clear_due_date"`
	ClearEstimatedTime bool `json:"clear_estimated_time"`
}

func (h *Handler) handlePatchSubtask(c *gin.Context) {
	var req subtaskPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	svc, ctx, id, sid := service(c), c.Request.Context(), c.Param("id"), c.Param("sid")
	var steps []func() (*model.Subtask, error)

	if req.Title != nil {
		steps = append(steps, func() (*model.Subtask, error) { return svc.UpdateSubtaskTitle(ctx, id, sid, *req.Title) })
	}
	switch {
	case req.ClearPriority:
		steps = append(steps, func() (*model.Subtask, error) { return svc.UpdateSubtaskPriority(ctx, id, sid, nil) })
	case req.Priority != nil:
		p, err := model.ParsePriority(*req.Priority)
		if err != nil {
			badRequest(c, err)
			return
		}
		steps = append(steps, func() (*model.Subtask, error) { return svc.UpdateSubtaskPriority(ctx, id, sid, &p) })
	}
	switch {
	case req.ClearDueDate:
		steps = append(steps, func() (*model.Subtask, error) { return svc.UpdateSubtaskDueDate(ctx, id, sid, nil) })
	case req.DueDate != nil:
		due, err := schedule.ParseDay(*req.DueDate, h.now())
		if err != nil {
			writeError(c, err)
			return
		}
		steps = append(steps, func() (*model.Subtask, error) { return svc.UpdateSubtaskDueDate(ctx, id, sid, &due) })
	}
	switch {
	case req.ClearEstimatedTime:
		steps = append(steps, func() (*model.Subtask, error) { return svc.UpdateSubtaskEstimate(ctx, id, sid, nil) })
	case req.EstimatedTime != nil:
		steps = append(steps, func() (*model.Subtask, error) { return svc.UpdateSubtaskEstimate(ctx, id, sid, req.EstimatedTime) })
	}

	if len(steps) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	var sub *model.Subtask
	for _, step := range steps {
		var err error
		if sub, err = step(); err != nil {
			writeError(c, err)
			return
		}
	}
	h.afterMutation(c, http.StatusOK, sub)
}

func (h *Handler) handleToggleSubtask(c *gin.Context) {
	sub, err := service(c).ToggleSubtaskCompletion(c.Request.Context(), c.Param("id"), c.Param("sid"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.afterMutation(c, http.StatusOK, sub)
}

func (h *Handler) handleDeleteSubtask(c *gin.Context) {
	if err := service(c).DeleteSubtask(c.Request.Context(), c.Param("id"), c.Param("sid")); err != nil {
		writeError(c, err)
		return
	}
	h.broadcastQueue(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h *Handler) afterMutation(c *gin.Context, status int, body any) {
	h.broadcastQueue(c.Request.Context())
	c.JSON(status, body)
}

// broadcastQueue sends the queue counts so clients can show pending work.
func (h *Handler) broadcastQueue(ctx context.Context) {
	if h.queue == nil {
		return
	}
	counts, err := h.queue.Counts(ctx)
	if err != nil {
		h.logger.Printf("Failed to count queue: %v", err)
		return
	}
	msg, err := NewMessage(MessageTypeQueue, counts)
	if err != nil {
		h.logger.Printf("Failed to marshal queue counts: %v", err)
		return
	}
	h.server.Broadcast(msg)
}

// handleQueue lists queue entries. Query parameters: work_type, all
// (include synced entries) and limit.
func (h *Handler) handleQueue(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no queue configured"})
		return
	}

	f := queue.Filter{WorkType: c.Query("work_type")}
	if all, err := strconv.ParseBool(c.DefaultQuery("all", "false")); err == nil {
		f.IncludeSynced = all
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		f.Limit = n
	}

	ctx := c.Request.Context()
	entries, err := h.queue.List(ctx, f)
	if err != nil {
		writeError(c, err)
		return
	}
	counts, err := h.queue.Counts(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "counts": counts})
}
