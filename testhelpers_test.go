package maestro

import (
	"context"
	"sort"
	"sync"
)

// memStore is an in-memory Store for driver and service tests. It
// mirrors the persistence semantics the SQL stores provide: not-found
// errors, dense agent ordering, creation-order listings, and the
// conditional routing lock.
type memStore struct {
	mu          sync.Mutex
	workspaces  map[string]Workspace
	settings    map[string]map[string]WorkspaceSetting
	agents      map[string]Agent
	tasks       map[string]Task
	comments    []Comment
	attachments map[string]Attachment
	templates   map[string]TaskTemplate
	routings    map[string]TaskRouting
	executions  map[string]Execution
	execLogs    []ExecutionLog

	seq int // creation counter for stable ordering
	ord map[string]int
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		workspaces:  make(map[string]Workspace),
		settings:    make(map[string]map[string]WorkspaceSetting),
		agents:      make(map[string]Agent),
		tasks:       make(map[string]Task),
		attachments: make(map[string]Attachment),
		templates:   make(map[string]TaskTemplate),
		routings:    make(map[string]TaskRouting),
		executions:  make(map[string]Execution),
		ord:         make(map[string]int),
	}
}

func (m *memStore) track(id string) {
	m.seq++
	m.ord[id] = m.seq
}

func (m *memStore) CreateWorkspace(_ context.Context, w *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[w.ID] = *w
	m.track(w.ID)
	return nil
}

func (m *memStore) GetWorkspace(_ context.Context, id string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workspaces[id]
	if !ok {
		return nil, &NotFoundError{Kind: "workspace", ID: id}
	}
	return &w, nil
}

func (m *memStore) ListWorkspaces(_ context.Context) ([]*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Workspace
	for _, w := range m.workspaces {
		w := w
		out = append(out, &w)
	}
	sort.Slice(out, func(i, j int) bool { return m.ord[out[i].ID] < m.ord[out[j].ID] })
	return out, nil
}

func (m *memStore) UpdateWorkspace(_ context.Context, w *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[w.ID]; !ok {
		return &NotFoundError{Kind: "workspace", ID: w.ID}
	}
	m.workspaces[w.ID] = *w
	return nil
}

func (m *memStore) DeleteWorkspace(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[id]; !ok {
		return &NotFoundError{Kind: "workspace", ID: id}
	}
	delete(m.workspaces, id)
	delete(m.settings, id)
	for aid, a := range m.agents {
		if a.WorkspaceID == id {
			delete(m.agents, aid)
		}
	}
	for tid, t := range m.tasks {
		if t.WorkspaceID == id {
			delete(m.tasks, tid)
		}
	}
	for tid, t := range m.templates {
		if t.WorkspaceID == id {
			delete(m.templates, tid)
		}
	}
	return nil
}

func (m *memStore) GetWorkspaceSetting(_ context.Context, workspaceID, key string) (*WorkspaceSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[workspaceID][key]
	if !ok {
		return nil, &NotFoundError{Kind: "workspace setting", ID: key}
	}
	return &s, nil
}

func (m *memStore) SetWorkspaceSetting(_ context.Context, s *WorkspaceSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings[s.WorkspaceID] == nil {
		m.settings[s.WorkspaceID] = make(map[string]WorkspaceSetting)
	}
	m.settings[s.WorkspaceID][s.Key] = *s
	return nil
}

func (m *memStore) ListWorkspaceSettings(_ context.Context, workspaceID string) ([]*WorkspaceSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*WorkspaceSetting
	for _, s := range m.settings[workspaceID] {
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memStore) DeleteWorkspaceSetting(_ context.Context, workspaceID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settings[workspaceID], key)
	return nil
}

func (m *memStore) CreateAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, other := range m.agents {
		if other.WorkspaceID == a.WorkspaceID {
			n++
		}
	}
	a.Order = n
	m.agents[a.ID] = *a
	m.track(a.ID)
	return nil
}

func (m *memStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &NotFoundError{Kind: "agent", ID: id}
	}
	return &a, nil
}

func (m *memStore) ListAgents(_ context.Context, workspaceID string) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Agent
	for _, a := range m.agents {
		if a.WorkspaceID == workspaceID {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *memStore) UpdateAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		return &NotFoundError{Kind: "agent", ID: a.ID}
	}
	m.agents[a.ID] = *a
	return nil
}

func (m *memStore) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return &NotFoundError{Kind: "agent", ID: id}
	}
	delete(m.agents, id)
	// Renumber so order stays dense.
	var rest []Agent
	for _, other := range m.agents {
		if other.WorkspaceID == a.WorkspaceID {
			rest = append(rest, other)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Order < rest[j].Order })
	for i, other := range rest {
		other.Order = i
		m.agents[other.ID] = other
	}
	return nil
}

func (m *memStore) ReorderAgents(_ context.Context, workspaceID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pos, id := range ids {
		a, ok := m.agents[id]
		if !ok || a.WorkspaceID != workspaceID {
			return &ValidationError{Field: "agent_ids", Reason: "unknown agent " + id}
		}
		a.Order = pos
		m.agents[id] = a
	}
	return nil
}

func (m *memStore) CreateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = *t
	m.track(t.ID)
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &NotFoundError{Kind: "task", ID: id}
	}
	return &t, nil
}

func (m *memStore) ListTasks(_ context.Context, f TaskFilter) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if f.WorkspaceID != "" && t.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		t := t
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return m.ord[out[i].ID] < m.ord[out[j].ID] })
	return out, nil
}

func (m *memStore) UpdateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return &NotFoundError{Kind: "task", ID: t.ID}
	}
	m.tasks[t.ID] = *t
	return nil
}

func (m *memStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return &NotFoundError{Kind: "task", ID: id}
	}
	delete(m.tasks, id)
	return nil
}

func (m *memStore) CreateComment(_ context.Context, c *Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments = append(m.comments, *c)
	return nil
}

func (m *memStore) ListComments(_ context.Context, taskID string) ([]*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Comment
	for _, c := range m.comments {
		if c.TaskID == taskID {
			c := c
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memStore) CreateAttachment(_ context.Context, a *Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[a.ID] = *a
	m.track(a.ID)
	return nil
}

func (m *memStore) GetAttachment(_ context.Context, id string) (*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attachments[id]
	if !ok {
		return nil, &NotFoundError{Kind: "attachment", ID: id}
	}
	return &a, nil
}

func (m *memStore) ListAttachments(_ context.Context, taskID string) ([]*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Attachment
	for _, a := range m.attachments {
		if a.TaskID == taskID {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.ord[out[i].ID] < m.ord[out[j].ID] })
	return out, nil
}

func (m *memStore) DeleteAttachment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attachments[id]; !ok {
		return &NotFoundError{Kind: "attachment", ID: id}
	}
	delete(m.attachments, id)
	return nil
}

func (m *memStore) CreateTemplate(_ context.Context, t *TaskTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = *t
	m.track(t.ID)
	return nil
}

func (m *memStore) GetTemplate(_ context.Context, id string) (*TaskTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, &NotFoundError{Kind: "template", ID: id}
	}
	return &t, nil
}

func (m *memStore) ListTemplates(_ context.Context, workspaceID string) ([]*TaskTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TaskTemplate
	for _, t := range m.templates {
		if t.WorkspaceID == workspaceID {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.ord[out[i].ID] < m.ord[out[j].ID] })
	return out, nil
}

func (m *memStore) UpdateTemplate(_ context.Context, t *TaskTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[t.ID]; !ok {
		return &NotFoundError{Kind: "template", ID: t.ID}
	}
	m.templates[t.ID] = *t
	return nil
}

func (m *memStore) DeleteTemplate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[id]; !ok {
		return &NotFoundError{Kind: "template", ID: id}
	}
	delete(m.templates, id)
	return nil
}

func (m *memStore) CreateRouting(_ context.Context, r *TaskRouting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routings[r.ID] = *r
	m.track(r.ID)
	return nil
}

func (m *memStore) GetRouting(_ context.Context, id string) (*TaskRouting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routings[id]
	if !ok {
		return nil, &NotFoundError{Kind: "routing", ID: id}
	}
	return &r, nil
}

func (m *memStore) GetRoutingByTask(_ context.Context, taskID string) (*TaskRouting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.routings {
		if r.TaskID == taskID {
			r := r
			return &r, nil
		}
	}
	return nil, &NotFoundError{Kind: "routing for task", ID: taskID}
}

func (m *memStore) ListRoutings(_ context.Context, f RoutingFilter) ([]*TaskRouting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TaskRouting
	for _, r := range m.routings {
		if f.TaskID != "" && r.TaskID != f.TaskID {
			continue
		}
		if len(f.Statuses) > 0 {
			match := false
			for _, st := range f.Statuses {
				if r.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return m.ord[out[i].ID] < m.ord[out[j].ID] })
	return out, nil
}

func (m *memStore) UpdateRouting(_ context.Context, r *TaskRouting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routings[r.ID]; !ok {
		return &NotFoundError{Kind: "routing", ID: r.ID}
	}
	m.routings[r.ID] = *r
	return nil
}

func (m *memStore) DeleteRoutingByTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.routings {
		if r.TaskID == taskID {
			delete(m.routings, id)
		}
	}
	return nil
}

func (m *memStore) AcquireRoutingLock(_ context.Context, id string, now, staleBefore int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routings[id]
	if !ok {
		return false, &NotFoundError{Kind: "routing", ID: id}
	}
	if r.LockedAt != 0 && r.LockedAt > staleBefore {
		return false, nil
	}
	r.LockedAt = now
	m.routings[id] = r
	return true, nil
}

func (m *memStore) ReleaseRoutingLock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routings[id]
	if !ok {
		return &NotFoundError{Kind: "routing", ID: id}
	}
	r.LockedAt = 0
	m.routings[id] = r
	return nil
}

func (m *memStore) CreateExecution(_ context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = *e
	m.track(e.ID)
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, &NotFoundError{Kind: "execution", ID: id}
	}
	return &e, nil
}

func (m *memStore) ListExecutions(_ context.Context, f ExecutionFilter) ([]*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Execution
	for _, e := range m.executions {
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		if len(f.Statuses) > 0 {
			match := false
			for _, st := range f.Statuses {
				if e.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return m.ord[out[i].ID] < m.ord[out[j].ID] })
	return out, nil
}

func (m *memStore) UpdateExecution(_ context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; !ok {
		return &NotFoundError{Kind: "execution", ID: e.ID}
	}
	m.executions[e.ID] = *e
	return nil
}

func (m *memStore) AppendExecutionLog(_ context.Context, l *ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execLogs = append(m.execLogs, *l)
	return nil
}

func (m *memStore) ListExecutionLogs(_ context.Context, executionID string) ([]*ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ExecutionLog
	for _, l := range m.execLogs {
		if l.ExecutionID == executionID {
			l := l
			out = append(out, &l)
		}
	}
	return out, nil
}

func (m *memStore) WithTx(ctx context.Context, fn func(tx Store) error) error { return fn(m) }
func (m *memStore) Init(context.Context) error                                { return nil }
func (m *memStore) Close() error                                              { return nil }

// --- Runner fakes (shared across routing_test.go, recovery_test.go) ---

// scriptedRunner plays back a fixed sequence of per-call outcomes, then
// repeats its last entry. It finalizes the execution row like the real
// executor so driver classification sees terminal records.
type scriptedRunner struct {
	store Store

	mu    sync.Mutex
	calls []runnerCall
	next  []runnerStep
}

type runnerCall struct {
	agentName string
	taskID    string
}

type runnerStep struct {
	status ExecutionStatus
	result ExecutionResult
	output string
	err    error
}

func newScriptedRunner(store Store, steps ...runnerStep) *scriptedRunner {
	return &scriptedRunner{store: store, next: steps}
}

func (f *scriptedRunner) Run(ctx context.Context, ec ExecutionContext) (*Execution, error) {
	f.mu.Lock()
	f.calls = append(f.calls, runnerCall{agentName: ec.Agent.Name, taskID: ec.Task.ID})
	step := runnerStep{status: ExecutionCompleted, result: ResultSkip}
	if len(f.next) > 0 {
		step = f.next[0]
		if len(f.next) > 1 {
			f.next = f.next[1:]
		}
	}
	f.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}
	e := ec.Execution
	e.Status = step.status
	e.Result = step.result
	e.Output = step.output
	e.CompletedAt = NowUnixMilli()
	e.UpdatedAt = e.CompletedAt
	if err := f.store.UpdateExecution(ctx, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (f *scriptedRunner) CancelByTask(string) int { return 0 }
func (f *scriptedRunner) RunningCount() int       { return 0 }

func (f *scriptedRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *scriptedRunner) agentSequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.agentName
	}
	return out
}
