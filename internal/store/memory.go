package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tevix/nodeflow/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs. It mirrors
// the libSQL implementation's semantics, including the append-only guard on
// node execution records.
type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]*Workflow
	runs        map[string]*WorkflowRun
	nodeRecords map[int64]*NodeExecutionRecord
	nextRecord  int64
	schedules   map[string]*Schedule
	variables   map[string]*Variable
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   make(map[string]*Workflow),
		runs:        make(map[string]*WorkflowRun),
		nodeRecords: make(map[int64]*NodeExecutionRecord),
		schedules:   make(map[string]*Schedule),
		variables:   make(map[string]*Variable),
	}
}

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workflows[wf.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already exists", wf.ID)
	}
	cp := *wf
	if cp.Version == 0 {
		cp.Version = 1
	}
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *MemoryStore) ReplaceDefinition(_ context.Context, id string, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	current.Definition = wf.Definition
	current.Name = wf.Name
	current.Description = wf.Description
	current.Version++
	current.UpdatedAt = time.Now()
	wf.Version = current.Version
	return nil
}

func (m *MemoryStore) SetWorkflowStatus(_ context.Context, id string, status schema.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	wf.Status = status
	wf.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) TouchWorkflowExecuted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	now := time.Now()
	wf.LastExecutedAt = &now
	return nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return applyWindow(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	delete(m.workflows, id)
	return nil
}

func (m *MemoryStore) CreateRun(_ context.Context, run *WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", run.ID)
	}
	cp := *run
	if cp.Status == "" {
		cp.Status = schema.RunStatusQueued
	}
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.DataContext != nil {
		run.DataContext = update.DataContext
	}
	if update.OutputData != nil {
		run.OutputData = update.OutputData
	}
	if update.ErrorMessage != nil {
		run.ErrorMessage = *update.ErrorMessage
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.FinishedAt != nil {
		run.FinishedAt = update.FinishedAt
	}
	if update.DurationMs != nil {
		run.DurationMs = *update.DurationMs
	}
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*WorkflowRun, 0, len(m.runs))
	for _, run := range m.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return applyWindow(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) AppendNodeRecord(_ context.Context, rec *NodeExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.nodeRecords {
		if existing.RunID == rec.RunID && existing.Order == rec.Order {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"run %s already has a record at order %d", rec.RunID, rec.Order)
		}
	}
	m.nextRecord++
	rec.ID = m.nextRecord
	cp := *rec
	m.nodeRecords[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) FinalizeNodeRecord(_ context.Context, id int64, update NodeRecordUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodeRecords[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node record %d not found", id)
	}
	if rec.Status != schema.NodeStatusPending && rec.Status != schema.NodeStatusRunning {
		return schema.NewErrorf(schema.ErrCodeConflict, "node record %d is already final", id)
	}
	rec.Status = update.Status
	rec.Attempts = update.Attempts
	rec.OutputSnapshot = update.OutputSnapshot
	rec.ErrorMessage = update.ErrorMessage
	rec.FinishedAt = &update.FinishedAt
	rec.DurationMs = update.DurationMs
	return nil
}

func (m *MemoryStore) ListNodeRecords(_ context.Context, runID string) ([]*NodeExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*NodeExecutionRecord
	for _, rec := range m.nodeRecords {
		if rec.RunID == runID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *MemoryStore) CreateSchedule(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[s.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %s already exists", s.ID)
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, enabledOnly bool) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if enabledOnly && !s.Enabled {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, id string, update ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %s not found", id)
	}
	if update.Enabled != nil {
		s.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		s.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		s.NextRunAt = update.NextRunAt
	}
	return nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %s not found", id)
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) UpsertVariable(_ context.Context, v *Variable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	cp.UpdatedAt = time.Now()
	m.variables[v.Key] = &cp
	return nil
}

func (m *MemoryStore) ListVariables(_ context.Context) ([]*Variable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Variable, 0, len(m.variables))
	for _, v := range m.variables {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func applyWindow[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
