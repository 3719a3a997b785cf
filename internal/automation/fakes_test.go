package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory AutomationStore.
type memStore struct {
	mu          sync.Mutex
	automations []Automation
	executions  []*Execution
	saveErr     error
	saveCalls   int
}

func (s *memStore) ListActiveAutomations(_ context.Context, projectID string, trigger TriggerType) ([]Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Automation
	for _, a := range s.automations {
		if a.IsActive && a.ProjectID == projectID && a.TriggerType == trigger {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) ListActiveByTrigger(_ context.Context, trigger TriggerType) ([]Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Automation
	for _, a := range s.automations {
		if a.IsActive && a.TriggerType == trigger {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) SaveExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.executions = append(s.executions, exec)
	return nil
}

func (s *memStore) saved() []*Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Execution(nil), s.executions...)
}

// memEntities is an in-memory EntityStore keyed by entity type and id.
type memEntities struct {
	mu         sync.Mutex
	rows       map[string]map[string]interface{}
	tasks      []TaskInput
	activities []ActivityInput
	tags       map[string][]string
	updateErr  error
}

func newMemEntities() *memEntities {
	return &memEntities{rows: map[string]map[string]interface{}{}, tags: map[string][]string{}}
}

func (m *memEntities) put(entityType, id string, row map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[entityType+"/"+id] = row
}

func (m *memEntities) GetEntity(_ context.Context, _ string, entityType, entityID string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[entityType+"/"+entityID]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return copyMap(row), nil
}

func (m *memEntities) UpdateEntity(_ context.Context, _ string, entityType, entityID string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	row, ok := m.rows[entityType+"/"+entityID]
	if !ok {
		return ErrEntityNotFound
	}
	for k, v := range fields {
		row[k] = v
	}
	return nil
}

func (m *memEntities) CreateTask(_ context.Context, task TaskInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return uuid.NewString(), nil
}

func (m *memEntities) CreateActivity(_ context.Context, a ActivityInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = append(m.activities, a)
	return uuid.NewString(), nil
}

func (m *memEntities) AddTag(_ context.Context, _ string, entityType, entityID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityType + "/" + entityID
	m.tags[key] = append(m.tags[key], tag)
	return nil
}

func (m *memEntities) RemoveTag(_ context.Context, _ string, entityType, entityID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityType + "/" + entityID
	kept := m.tags[key][:0]
	for _, t := range m.tags[key] {
		if t != tag {
			kept = append(kept, t)
		}
	}
	m.tags[key] = kept
	return nil
}

func (m *memEntities) taskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

type notification struct{ userID, title, message string }

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, _, userID, title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification{userID, title, message})
	return nil
}

type fakeEmail struct {
	mu    sync.Mutex
	calls int
	err   error
	reqs  []EmailRequest
}

func (e *fakeEmail) SendEmail(_ context.Context, req EmailRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return "", e.err
	}
	e.reqs = append(e.reqs, req)
	return "msg-" + req.TemplateID, nil
}

type fakeWebhook struct {
	mu       sync.Mutex
	statuses []int
	err      error
	calls    int
	payloads []interface{}
}

func (w *fakeWebhook) Post(_ context.Context, _ string, payload interface{}, _ string, _ map[string]string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	w.payloads = append(w.payloads, payload)
	if w.err != nil {
		return 0, w.err
	}
	status := 200
	if len(w.statuses) > 0 {
		status = w.statuses[0]
		if len(w.statuses) > 1 {
			w.statuses = w.statuses[1:]
		}
	}
	return status, nil
}

type fakeSequences struct {
	mu       sync.Mutex
	enrolled map[string]bool
}

func (s *fakeSequences) Enroll(_ context.Context, _, sequenceID, personID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enrolled == nil {
		s.enrolled = map[string]bool{}
	}
	key := sequenceID + "/" + personID
	if s.enrolled[key] {
		return "", fmt.Errorf("enroll %s: %w", personID, ErrAlreadyEnrolled)
	}
	s.enrolled[key] = true
	return uuid.NewString(), nil
}

type fakeResearch struct {
	text     string
	fallback bool
	err      error
	delay    time.Duration
}

func (r *fakeResearch) Research(ctx context.Context, _ ResearchRequest) (ResearchResult, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ResearchResult{}, ctx.Err()
		}
	}
	if r.err != nil {
		return ResearchResult{}, r.err
	}
	return ResearchResult{Text: r.text, Model: "fake", Fallback: r.fallback}, nil
}

var errBoom = errors.New("boom")

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}
