package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/maestro"
	"github.com/nevindra/maestro/internal/config"
	"github.com/nevindra/maestro/store/sqlite"
)

// skipRunner finalizes every execution as completed/skip without
// spawning a process.
type skipRunner struct {
	store maestro.Store
}

func (r *skipRunner) Run(ctx context.Context, ec maestro.ExecutionContext) (*maestro.Execution, error) {
	e := ec.Execution
	e.Status = maestro.ExecutionCompleted
	e.Result = maestro.ResultSkip
	e.CompletedAt = maestro.NowUnixMilli()
	e.UpdatedAt = e.CompletedAt
	if err := r.store.UpdateExecution(ctx, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *skipRunner) CancelByTask(string) int { return 0 }
func (r *skipRunner) RunningCount() int       { return 0 }

type gateChecker struct{ open bool }

func (g *gateChecker) Accepting() bool { return g.open }

type testEnv struct {
	ts    *httptest.Server
	store maestro.Store
	bus   *maestro.Bus
	pool  *maestro.Pool
	gate  *gateChecker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	store := sqlite.New(filepath.Join(dir, "maestro.db"))
	if err := store.Init(ctx); err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Storage.DataDir = dir
	registry, err := config.LoadRegistry(cfg)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}

	bus := maestro.NewBus()
	pool := maestro.NewPool(3)
	runner := &skipRunner{store: store}
	executor := maestro.NewExecutor(store, bus, pool, registry.Resolve,
		maestro.WithSandboxRoot(filepath.Join(dir, "tmp")),
		maestro.WithAttachmentDir(cfg.AttachmentDir()))
	gate := &gateChecker{open: true}
	router := maestro.NewRouter(store, runner, bus, maestro.WithAcceptingChecker(gate))
	recovery := maestro.NewRecovery(store, router, bus)

	srv := New(Deps{
		Store:         store,
		Router:        router,
		Executor:      executor,
		Pool:          pool,
		Bus:           bus,
		Recovery:      recovery,
		Registry:      registry,
		AttachmentDir: cfg.AttachmentDir(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: store, bus: bus, pool: pool, gate: gate}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decodeInto[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func (env *testEnv) createWorkspace(t *testing.T, name string) maestro.Workspace {
	t.Helper()
	resp, data := env.do(t, http.MethodPost, "/api/workspaces", map[string]string{"name": name})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create workspace: %d %s", resp.StatusCode, data)
	}
	return decodeInto[maestro.Workspace](t, data)
}

func (env *testEnv) createTask(t *testing.T, wsID, title string) maestro.Task {
	t.Helper()
	resp, data := env.do(t, http.MethodPost, "/api/workspaces/"+wsID+"/tasks", map[string]string{"title": title})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", resp.StatusCode, data)
	}
	return decodeInto[maestro.Task](t, data)
}

func TestWorkspaceLifecycle(t *testing.T) {
	env := newTestEnv(t)

	ws := env.createWorkspace(t, "backend")
	if ws.ID == "" || ws.Name != "backend" {
		t.Fatalf("created workspace = %+v", ws)
	}

	resp, data := env.do(t, http.MethodGet, "/api/workspaces", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	if got := decodeInto[[]maestro.Workspace](t, data); len(got) != 1 {
		t.Fatalf("list = %+v", got)
	}

	resp, data = env.do(t, http.MethodPut, "/api/workspaces/"+ws.ID, map[string]string{"name": "platform"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", resp.StatusCode, data)
	}
	if got := decodeInto[maestro.Workspace](t, data); got.Name != "platform" {
		t.Errorf("updated name = %q", got.Name)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/workspaces/"+ws.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/workspaces/"+ws.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted: %d, want 404", resp.StatusCode)
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodGet, "/api/tasks/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body := decodeInto[errorBody](t, data)
	if body.Error.Code != maestro.CodeNotFound {
		t.Errorf("code = %q", body.Error.Code)
	}
	if body.Error.Message == "" {
		t.Error("message empty")
	}
}

func TestCreateWorkspaceValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodPost, "/api/workspaces", map[string]string{"name": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body := decodeInto[errorBody](t, data); body.Error.Code != maestro.CodeValidation {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestTaskPatchTransitions(t *testing.T) {
	env := newTestEnv(t)
	ws := env.createWorkspace(t, "ws")
	task := env.createTask(t, ws.ID, "ship the feature")

	// todo -> in_review is not in the transition table.
	resp, data := env.do(t, http.MethodPatch, "/api/tasks/"+task.ID, map[string]string{"status": "in_review"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("illegal transition: %d %s, want 409", resp.StatusCode, data)
	}

	resp, data = env.do(t, http.MethodPatch, "/api/tasks/"+task.ID, map[string]string{"status": "in_progress"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("legal transition: %d %s", resp.StatusCode, data)
	}
	if got := decodeInto[maestro.Task](t, data); got.Status != maestro.TaskInProgress {
		t.Errorf("status = %s", got.Status)
	}

	// Unknown status is a validation error, not a conflict.
	resp, _ = env.do(t, http.MethodPatch, "/api/tasks/"+task.ID, map[string]string{"status": "archived"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown status: %d, want 400", resp.StatusCode)
	}
}

func TestAgentsAndReorder(t *testing.T) {
	env := newTestEnv(t)
	ws := env.createWorkspace(t, "ws")

	var ids []string
	for _, name := range []string{"planner", "coder", "reviewer"} {
		resp, data := env.do(t, http.MethodPost, "/api/workspaces/"+ws.ID+"/agents",
			map[string]any{"name": name, "cli_type": "claude"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create agent: %d %s", resp.StatusCode, data)
		}
		ids = append(ids, decodeInto[maestro.Agent](t, data).ID)
	}

	reversed := []string{ids[2], ids[1], ids[0]}
	resp, data := env.do(t, http.MethodPut, "/api/workspaces/"+ws.ID+"/agents/order",
		map[string]any{"agent_ids": reversed})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reorder: %d %s", resp.StatusCode, data)
	}
	agents := decodeInto[[]maestro.Agent](t, data)
	if agents[0].Name != "reviewer" || agents[2].Name != "planner" {
		t.Errorf("order after reorder = %s, %s, %s", agents[0].Name, agents[1].Name, agents[2].Name)
	}

	// Partial permutations are rejected.
	resp, _ = env.do(t, http.MethodPut, "/api/workspaces/"+ws.ID+"/agents/order",
		map[string]any{"agent_ids": ids[:2]})
	if resp.StatusCode == http.StatusOK {
		t.Error("partial reorder accepted")
	}
}

func TestCommentsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ws := env.createWorkspace(t, "ws")
	task := env.createTask(t, ws.ID, "task")

	resp, data := env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/comments",
		map[string]string{"author": "ana", "content": "looks good"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create comment: %d %s", resp.StatusCode, data)
	}
	c := decodeInto[maestro.Comment](t, data)
	if c.AuthorType != maestro.AuthorHuman {
		t.Errorf("author type = %s, want human default", c.AuthorType)
	}

	resp, data = env.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/comments", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list comments: %d", resp.StatusCode)
	}
	if got := decodeInto[[]maestro.Comment](t, data); len(got) != 1 {
		t.Errorf("comments = %+v", got)
	}
}

func TestAttachmentUploadDownloadPreview(t *testing.T) {
	env := newTestEnv(t)
	ws := env.createWorkspace(t, "ws")
	task := env.createTask(t, ws.ID, "task")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.md")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	fmt.Fprint(fw, "# Heading\n\nbody text\n")
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/tasks/"+task.ID+"/attachments", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: %d %s", resp.StatusCode, data)
	}
	a := decodeInto[maestro.Attachment](t, data)
	if a.Filename != "notes.md" || a.Size == 0 {
		t.Fatalf("attachment = %+v", a)
	}

	resp, data = env.do(t, http.MethodGet, "/api/attachments/"+a.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download: %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), "# Heading") {
		t.Errorf("downloaded content = %q", data)
	}

	resp, data = env.do(t, http.MethodGet, "/api/attachments/"+a.ID+"/preview", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview: %d %s", resp.StatusCode, data)
	}
	previewBody := decodeInto[map[string]any](t, data)
	if content, _ := previewBody["content"].(string); !strings.Contains(content, "<h1") {
		t.Errorf("preview content = %v", previewBody["content"])
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/attachments/"+a.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/attachments/"+a.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted: %d", resp.StatusCode)
	}
}

func TestTemplateInstantiate(t *testing.T) {
	env := newTestEnv(t)
	ws := env.createWorkspace(t, "ws")

	resp, data := env.do(t, http.MethodPost, "/api/workspaces/"+ws.ID+"/templates",
		map[string]string{"name": "bug", "title": "Bug: ", "description": "Steps to reproduce:"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d %s", resp.StatusCode, data)
	}
	tpl := decodeInto[maestro.TaskTemplate](t, data)

	resp, data = env.do(t, http.MethodPost, "/api/templates/"+tpl.ID+"/tasks",
		map[string]string{"title": "Bug: login loop"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("instantiate: %d %s", resp.StatusCode, data)
	}
	task := decodeInto[maestro.Task](t, data)
	if task.Title != "Bug: login loop" {
		t.Errorf("title = %q", task.Title)
	}
	if task.Description != "Steps to reproduce:" {
		t.Errorf("description = %q, want template default", task.Description)
	}
	if task.Status != maestro.TaskTodo {
		t.Errorf("status = %s", task.Status)
	}
}

func TestRoutingEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ws := env.createWorkspace(t, "ws")
	task := env.createTask(t, ws.ID, "route me")

	resp, data := env.do(t, http.MethodPost, "/api/workspaces/"+ws.ID+"/agents",
		map[string]any{"name": "solo", "cli_type": "claude"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create agent: %d %s", resp.StatusCode, data)
	}

	resp, data = env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/routing", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("trigger: %d %s", resp.StatusCode, data)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, data = env.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/routing", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get routing: %d %s", resp.StatusCode, data)
		}
		routing := decodeInto[maestro.TaskRouting](t, data)
		if routing.Status == maestro.RoutingCompleted {
			break
		}
		if routing.Status == maestro.RoutingFailed {
			t.Fatalf("routing failed: %s", routing.ErrorMessage)
		}
		if time.Now().After(deadline) {
			t.Fatalf("routing stuck in %s", routing.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, data = env.do(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d", resp.StatusCode)
	}
	if got := decodeInto[maestro.Task](t, data); got.Status != maestro.TaskInReview {
		t.Errorf("task status = %s, want in_review", got.Status)
	}
}

func TestTriggerWhileDraining(t *testing.T) {
	env := newTestEnv(t)
	ws := env.createWorkspace(t, "ws")
	task := env.createTask(t, ws.ID, "too late")
	env.gate.open = false

	resp, data := env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/routing", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("trigger while draining: %d %s, want 503", resp.StatusCode, data)
	}
}

func TestPoolEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodGet, "/api/pool", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get pool: %d", resp.StatusCode)
	}
	if stats := decodeInto[maestro.PoolStats](t, data); stats.Max != 3 {
		t.Errorf("max = %d", stats.Max)
	}

	resp, data = env.do(t, http.MethodPut, "/api/pool", map[string]int{"max_concurrent": 7})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put pool: %d %s", resp.StatusCode, data)
	}
	if stats := decodeInto[maestro.PoolStats](t, data); stats.Max != 7 {
		t.Errorf("max after put = %d", stats.Max)
	}

	// null lifts the limit entirely.
	resp, data = env.do(t, http.MethodPut, "/api/pool", map[string]any{"max_concurrent": nil})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("null capacity: %d %s", resp.StatusCode, data)
	}
	if stats := decodeInto[maestro.PoolStats](t, data); stats.Max != 0 || stats.Available != -1 {
		t.Errorf("stats after null = %+v, want unlimited", stats)
	}

	resp, _ = env.do(t, http.MethodPut, "/api/pool", map[string]int{"max_concurrent": -1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative capacity: %d, want 400", resp.StatusCode)
	}
}

func TestConfigEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodGet, "/api/config", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get config: %d", resp.StatusCode)
	}
	cfg := decodeInto[configResponse](t, data)
	if _, ok := cfg.CLIs["claude"]; !ok {
		t.Errorf("clis = %v", cfg.CLIs)
	}

	resp, data = env.do(t, http.MethodPut, "/api/config", map[string]any{
		"clis": map[string]any{"aider": map[string]any{"command": "aider", "args": []string{"--yes"}}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put config: %d %s", resp.StatusCode, data)
	}
	cfg = decodeInto[configResponse](t, data)
	if len(cfg.CLIs) != 1 || cfg.CLIs["aider"].Command != "aider" {
		t.Errorf("clis after put = %v", cfg.CLIs)
	}

	resp, _ = env.do(t, http.MethodPut, "/api/config", map[string]any{
		"clis": map[string]any{"broken": map[string]any{"command": ""}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty command: %d, want 400", resp.StatusCode)
	}
}

func TestWorkspaceSettings(t *testing.T) {
	env := newTestEnv(t)
	ws := env.createWorkspace(t, "ws")

	req, err := http.NewRequest(http.MethodPut, env.ts.URL+"/api/workspaces/"+ws.ID+"/settings/instruction",
		strings.NewReader(`"prefer small diffs"`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put setting: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put setting: %d", resp.StatusCode)
	}

	resp2, data := env.do(t, http.MethodGet, "/api/workspaces/"+ws.ID+"/settings/instruction", nil)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("get setting: %d", resp2.StatusCode)
	}
	if s := decodeInto[maestro.WorkspaceSetting](t, data); s.Value != `"prefer small diffs"` {
		t.Errorf("value = %q", s.Value)
	}

	// Non-JSON bodies are rejected.
	req, _ = http.NewRequest(http.MethodPut, env.ts.URL+"/api/workspaces/"+ws.ID+"/settings/instruction",
		strings.NewReader(`{broken`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put setting: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid JSON setting: %d, want 400", resp.StatusCode)
	}
}

func TestEventStreamDeliversLines(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}

	// Give the handler a moment to subscribe, then emit.
	time.Sleep(50 * time.Millisecond)
	env.bus.Emit(maestro.EventTaskCreated, maestro.TaskEvent{ID: "t1", WorkspaceID: "w1"})

	lines := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				lines <- line
				return
			}
		}
	}()

	select {
	case line := <-lines:
		var ev maestro.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("stream line %q: %v", line, err)
		}
		if ev.Type != maestro.EventTaskCreated {
			t.Errorf("event type = %s", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event line received")
	}
}

func TestExecutionLogStreamReplayAndComplete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws := env.createWorkspace(t, "ws")
	task := env.createTask(t, ws.ID, "task")

	// A finished execution with persisted logs: the stream must replay
	// them and close with a complete frame.
	now := maestro.NowUnixMilli()
	e := &maestro.Execution{
		ID: maestro.NewID(), TaskID: task.ID, AgentName: "solo", CLIType: "claude",
		Status: maestro.ExecutionCompleted, Result: maestro.ResultComment, Output: "done",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := env.store.CreateExecution(ctx, e); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	for i, content := range []string{"first", "second"} {
		err := env.store.AppendExecutionLog(ctx, &maestro.ExecutionLog{
			ID: maestro.NewID(), ExecutionID: e.ID, Content: content, Timestamp: now + int64(i),
		})
		if err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	resp, data := env.do(t, http.MethodGet, "/api/executions/"+e.ID+"/logs/stream", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream: %d %s", resp.StatusCode, data)
	}

	var frames []logFrame
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var f logFrame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			t.Fatalf("frame %q: %v", line, err)
		}
		frames = append(frames, f)
	}
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 2 logs + complete", len(frames))
	}
	if frames[0].Type != "log" || frames[1].Type != "log" {
		t.Errorf("leading frames = %s, %s", frames[0].Type, frames[1].Type)
	}
	if frames[2].Type != "complete" {
		t.Fatalf("last frame = %s, want complete", frames[2].Type)
	}
	complete := frames[2].Payload.(map[string]any)
	if complete["status"] != string(maestro.ExecutionCompleted) {
		t.Errorf("complete status = %v", complete["status"])
	}
}

func TestCancelExecutionNotRunning(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/executions/ghost/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel unknown execution: %d, want 404", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, data := env.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	if body := decodeInto[map[string]string](t, data); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}
