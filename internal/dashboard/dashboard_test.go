package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/probe"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/session"
	"github.com/mschirtzinger/tasksync/internal/tasksync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var quiet = log.New(io.Discard, "", 0)

type fixture struct {
	server  *Server
	handler *Handler
	light   *tasksync.Service
	deep    *tasksync.Service
	remote  *remote.MemoryStore
	probe   *probe.Toggle
	session *session.Session
	queue   *queue.Queue
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("cache.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	q, err := queue.New(ctx, db.RawDB(), quiet)
	if err != nil {
		t.Fatalf("queue.New() failed: %v", err)
	}

	f := &fixture{
		remote:  remote.NewMemoryStore(model.LightWork),
		probe:   probe.NewToggle(true),
		session: session.New(""),
		queue:   q,
	}
	if err := f.session.Attach("user-1"); err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}

	newService := func(wt model.WorkType, r remote.Adapter) *tasksync.Service {
		cfg := tasksync.Config{
			WorkType: wt,
			Cache:    cache.New(db, wt.Kind),
			Queue:    q,
			Probe:    f.probe,
			Session:  f.session,
			Logger:   quiet,
		}
		if r != nil {
			cfg.Remote = r
		}
		svc, err := tasksync.New(cfg)
		if err != nil {
			t.Fatalf("tasksync.New() failed: %v", err)
		}
		return svc
	}
	f.light = newService(model.LightWork, f.remote)
	f.deep = newService(model.DeepWork, nil)

	f.server = NewServer(&Config{Port: 0, Logger: quiet})
	f.handler = NewHandler(f.server, q, quiet, f.light, f.deep)
	f.handler.Register(f.server.Engine())
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	got := decode[map[string]any](t, w)
	if got["status"] != "ok" {
		t.Errorf("health = %v", got)
	}
}

func TestTaskLifecycle(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodPost, "/api/light/tasks", map[string]any{
		"title":    "Reply to email",
		"priority": "high",
		"tags":     []string{"inbox"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /tasks = %d: %s", w.Code, w.Body)
	}
	task := decode[model.Task](t, w)
	if task.Priority != model.PriorityHigh || f.remote.Task(task.ID) == nil {
		t.Fatalf("created task = %+v", task)
	}

	base := "/api/light/tasks/" + task.ID
	if w := f.do(t, http.MethodPost, base+"/toggle", nil); w.Code != http.StatusOK || !decode[model.Task](t, w).Completed {
		t.Errorf("toggle = %d: %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodPost, base+"/push", map[string]string{"date": "2025-03-01"}); w.Code != http.StatusOK {
		t.Errorf("push = %d: %s", w.Code, w.Body)
	} else if got := decode[model.Task](t, w); got.CurrentDate != "2025-03-01" || got.Rollovers != 1 {
		t.Errorf("pushed task = %+v", got)
	}

	w = f.do(t, http.MethodPatch, base, map[string]any{"title": "Reply to all", "time_estimate": 15})
	if w.Code != http.StatusOK {
		t.Fatalf("PATCH = %d: %s", w.Code, w.Body)
	}
	got := decode[model.Task](t, w)
	if got.Title != "Reply to all" || got.TimeEstimate == nil || *got.TimeEstimate != 15 {
		t.Errorf("patched task = %+v", got)
	}
	if rt := f.remote.Task(task.ID); rt.Title != "Reply to all" {
		t.Errorf("remote title = %q", rt.Title)
	}

	if w := f.do(t, http.MethodDelete, base, nil); w.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d: %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodPost, base+"/toggle", nil); w.Code != http.StatusNotFound {
		t.Errorf("toggle after delete = %d, want 404", w.Code)
	}
}

func TestSubtaskRoutes(t *testing.T) {
	f := setup(t)

	task := decode[model.Task](t, f.do(t, http.MethodPost, "/api/light/tasks", map[string]any{"title": "Parent"}))
	base := "/api/light/tasks/" + task.ID + "/subtasks"

	w := f.do(t, http.MethodPost, base, map[string]any{"title": "Child"})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST subtasks = %d: %s", w.Code, w.Body)
	}
	sub := decode[model.Subtask](t, w)

	if w := f.do(t, http.MethodPost, base+"/"+sub.ID+"/toggle", nil); w.Code != http.StatusOK || !decode[model.Subtask](t, w).Completed {
		t.Errorf("toggle subtask = %d: %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodPatch, base+"/"+sub.ID, map[string]string{"title": "Renamed"}); w.Code != http.StatusOK {
		t.Errorf("PATCH subtask = %d: %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodPatch, base+"/"+sub.ID, map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("PATCH subtask without fields = %d, want 400", w.Code)
	}

	w = f.do(t, http.MethodPatch, base+"/"+sub.ID, map[string]any{
		"priority":       "urgent",
		"due_date":       "2025-03-01",
		"estimated_time": 20,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("PATCH subtask fields = %d: %s", w.Code, w.Body)
	}
	got := decode[model.Subtask](t, w)
	if got.Priority == nil || *got.Priority != model.PriorityUrgent ||
		got.DueDate == nil || *got.DueDate != "2025-03-01" ||
		got.EstimatedTime == nil || *got.EstimatedTime != 20 {
		t.Errorf("patched subtask = %+v", got)
	}
	w = f.do(t, http.MethodPatch, base+"/"+sub.ID, map[string]any{"clear_priority": true, "clear_estimated_time": true})
	if got := decode[model.Subtask](t, w); w.Code != http.StatusOK || got.Priority != nil || got.EstimatedTime != nil {
		t.Errorf("PATCH subtask clear = %d: %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodPatch, base+"/"+sub.ID, map[string]string{"priority": "someday"}); w.Code != http.StatusBadRequest {
		t.Errorf("PATCH subtask bad priority = %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodDelete, base+"/"+sub.ID, nil); w.Code != http.StatusNoContent {
		t.Errorf("DELETE subtask = %d: %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodPost, base+"/"+sub.ID+"/toggle", nil); w.Code != http.StatusNotFound {
		t.Errorf("toggle deleted subtask = %d, want 404", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown work type", http.MethodGet, "/api/medium/state", nil, http.StatusNotFound},
		{"unknown task", http.MethodPost, "/api/light/tasks/light-404/toggle", nil, http.StatusNotFound},
		{"blank title", http.MethodPost, "/api/light/tasks", map[string]string{"title": " "}, http.StatusBadRequest},
		{"bad priority", http.MethodPost, "/api/light/tasks", map[string]string{"title": "x", "priority": "someday"}, http.StatusBadRequest},
		{"bad date", http.MethodPost, "/api/light/load?date=qwzx", nil, http.StatusBadRequest},
		{"push without date", http.MethodPost, "/api/light/tasks/light-1/push", map[string]string{}, http.StatusBadRequest},
		{"empty patch", http.MethodPatch, "/api/light/tasks/light-1", map[string]string{}, http.StatusBadRequest},
		{"deep extra on light", http.MethodPost, "/api/light/tasks", map[string]any{"title": "x", "focus_blocks": 2}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(t, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("%s %s = %d, want %d: %s", tt.method, tt.path, w.Code, tt.want, w.Body)
			}
		})
	}

	f.session.Detach()
	if w := f.do(t, http.MethodPost, "/api/light/tasks", map[string]string{"title": "x"}); w.Code != http.StatusUnauthorized {
		t.Errorf("create without user = %d, want 401", w.Code)
	}
}

func TestLoadAndState(t *testing.T) {
	f := setup(t)
	today := model.Day(time.Now())

	now := time.Now().UTC()
	f.remote.Put(&model.Task{
		ID: "light-r", UserID: "user-1", Title: "from remote", Priority: model.PriorityLow,
		OriginalDate: today, CurrentDate: today, Tags: []string{}, CreatedAt: now, UpdatedAt: now,
	})

	w := f.do(t, http.MethodPost, "/api/light/load?date=today", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("load = %d: %s", w.Code, w.Body)
	}
	st := decode[tasksync.State](t, w)
	if st.Bucket != today || len(st.Tasks) != 1 || st.Tasks[0].ID != "light-r" {
		t.Errorf("loaded state = %+v", st)
	}

	got := decode[tasksync.State](t, f.do(t, http.MethodGet, "/api/light/state", nil))
	if got.WorkType != model.KindLight || len(got.Tasks) != 1 {
		t.Errorf("state = %+v", got)
	}
}

func TestQueueRoute(t *testing.T) {
	f := setup(t)

	// Deep has no remote, so its mutations are queued.
	if w := f.do(t, http.MethodPost, "/api/deep/tasks", map[string]any{"title": "Study", "focus_blocks": 2}); w.Code != http.StatusCreated {
		t.Fatalf("POST deep task = %d: %s", w.Code, w.Body)
	}

	w := f.do(t, http.MethodGet, "/api/queue?work_type=deep", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/queue = %d: %s", w.Code, w.Body)
	}
	got := decode[struct {
		Entries []queue.Entry  `json:"entries"`
		Counts  []queue.Counts `json:"counts"`
	}](t, w)
	if len(got.Entries) != 1 || got.Entries[0].Action != queue.ActionCreate {
		t.Errorf("entries = %+v", got.Entries)
	}
	if len(got.Counts) != 1 || got.Counts[0].Pending != 1 {
		t.Errorf("counts = %+v", got.Counts)
	}

	if w := f.do(t, http.MethodGet, "/api/queue?limit=x", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", w.Code)
	}
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	return msg
}

func TestWebSocketBroadcastsState(t *testing.T) {
	f := setup(t)
	if err := f.server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer f.server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.handler.Forward(ctx)

	conn, _, err := websocket.Dial(ctx, "ws://"+f.server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// One welcome snapshot per work type.
	for _, want := range []model.Kind{model.KindLight, model.KindDeep} {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeState {
			t.Fatalf("welcome type = %s, want %s", msg.Type, MessageTypeState)
		}
		var st tasksync.State
		if err := json.Unmarshal(msg.Data, &st); err != nil {
			t.Fatalf("failed to decode state: %v", err)
		}
		if st.WorkType != want {
			t.Errorf("welcome work type = %s, want %s", st.WorkType, want)
		}
	}

	waitForClients(t, f.server, 1)
	if w := f.do(t, http.MethodPost, "/api/light/tasks", map[string]string{"title": "Broadcast me"}); w.Code != http.StatusCreated {
		t.Fatalf("POST task = %d: %s", w.Code, w.Body)
	}

	for {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeState {
			continue
		}
		var st tasksync.State
		if err := json.Unmarshal(msg.Data, &st); err != nil {
			t.Fatalf("failed to decode state: %v", err)
		}
		if len(st.Tasks) == 1 && st.Tasks[0].Title == "Broadcast me" {
			return
		}
	}
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d client(s), have %d", n, s.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
