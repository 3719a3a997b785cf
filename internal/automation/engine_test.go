package automation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// httpPoster posts to a real URL so scenarios exercise an httptest server.
type httpPoster struct{ client *http.Client }

func (p httpPoster) Post(ctx context.Context, url string, _ interface{}, _ string, _ map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

type engineFixture struct {
	store    *memStore
	entities *memEntities
	engine   *Engine
}

func newEngineFixture(t *testing.T, opts Options, deps Collaborators) *engineFixture {
	t.Helper()
	store := &memStore{}
	entities := newMemEntities()
	deps.Entities = entities
	logger := logrus.New()
	executor := NewExecutor(deps, logger, WithRetryPolicy(fastRetry()))
	recorder := NewRecorder(store, fastRetry(), logger)
	return &engineFixture{
		store:    store,
		entities: entities,
		engine:   NewEngine(store, entities, executor, recorder, logger, opts),
	}
}

func TestEngine_WelcomeTaskForNewOrganization(t *testing.T) {
	f := newEngineFixture(t, DefaultOptions(), Collaborators{})
	f.store.automations = []Automation{{
		ID: "welcome", ProjectID: testProject, Name: "Welcome", IsActive: true,
		TriggerType:   TriggerEntityCreated,
		TriggerConfig: map[string]interface{}{"entity_type": "organization"},
		Actions:       []Action{{Type: ActionCreateTask, Config: CreateTaskConfig{Title: "Welcome call"}}},
	}}
	f.entities.put("organization", "org-1", map[string]interface{}{"name": "Acme"})

	execs, err := f.engine.Process(context.Background(), Event{
		ProjectID: testProject, TriggerType: TriggerEntityCreated, EntityType: "organization", EntityID: "org-1",
	})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, StatusSuccess, execs[0].Status)
	require.Len(t, f.store.saved(), 1)

	require.Len(t, f.entities.tasks, 1)
	assert.Equal(t, "Welcome call", f.entities.tasks[0].Title)
	assert.Equal(t, "organization", f.entities.tasks[0].EntityType)
	assert.Equal(t, "org-1", f.entities.tasks[0].EntityID)
}

func TestEngine_FieldChangedMatchesOnlyTargetValue(t *testing.T) {
	f := newEngineFixture(t, DefaultOptions(), Collaborators{})
	f.store.automations = []Automation{{
		ID: "won", ProjectID: testProject, Name: "Won", IsActive: true,
		TriggerType:   TriggerFieldChanged,
		TriggerConfig: map[string]interface{}{"field_name": "stage", "to_value": "won"},
		Actions:       []Action{{Type: ActionAddTag, Config: TagConfig{Tag: "closed-won"}}},
	}}
	f.entities.put("opportunity", "opp-1", map[string]interface{}{"stage": "won"})

	change := func(to string) Event {
		return Event{
			ProjectID: testProject, TriggerType: TriggerFieldChanged, EntityType: "opportunity", EntityID: "opp-1",
			Data: map[string]interface{}{"stage": to}, PreviousData: map[string]interface{}{"stage": "negotiation"},
		}
	}

	execs, err := f.engine.Process(context.Background(), change("won"))
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, StatusSuccess, execs[0].Status)

	execs, err = f.engine.Process(context.Background(), change("lost"))
	require.NoError(t, err)
	assert.Empty(t, execs)
	assert.Len(t, f.store.saved(), 1)
}

func TestEngine_WebhookScenario(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	bigDeal := func(url string) Automation {
		return Automation{
			ID: "big-" + url, ProjectID: testProject, Name: "Big deal", IsActive: true,
			TriggerType: TriggerEntityUpdated,
			Conditions:  []Condition{{Field: "amount", Operator: OpGreaterThan, Value: 10000}},
			Actions:     []Action{{Type: ActionFireWebhook, Config: FireWebhookConfig{URL: url}}},
		}
	}
	update := func(amount int) Event {
		return Event{
			ProjectID: testProject, TriggerType: TriggerEntityUpdated, EntityType: "opportunity", EntityID: "opp-1",
			Data: map[string]interface{}{"amount": amount},
		}
	}

	t.Run("below threshold is skipped", func(t *testing.T) {
		f := newEngineFixture(t, DefaultOptions(), Collaborators{Webhooks: httpPoster{client: srv.Client()}})
		f.store.automations = []Automation{bigDeal(srv.URL)}
		execs, err := f.engine.Process(context.Background(), update(5000))
		require.NoError(t, err)
		require.Len(t, execs, 1)
		assert.Equal(t, StatusSkipped, execs[0].Status)
		assert.Empty(t, execs[0].ActionsResults)
	})

	t.Run("reachable webhook succeeds", func(t *testing.T) {
		f := newEngineFixture(t, DefaultOptions(), Collaborators{Webhooks: httpPoster{client: srv.Client()}})
		f.store.automations = []Automation{bigDeal(srv.URL)}
		execs, err := f.engine.Process(context.Background(), update(15000))
		require.NoError(t, err)
		require.Len(t, execs, 1)
		assert.Equal(t, StatusSuccess, execs[0].Status)
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	})

	t.Run("unreachable webhook fails", func(t *testing.T) {
		f := newEngineFixture(t, DefaultOptions(), Collaborators{Webhooks: httpPoster{client: &http.Client{Timeout: time.Second}}})
		f.store.automations = []Automation{bigDeal(deadURL)}
		execs, err := f.engine.Process(context.Background(), update(15000))
		require.NoError(t, err)
		require.Len(t, execs, 1)
		assert.Equal(t, StatusFailed, execs[0].Status)
		assert.NotEmpty(t, execs[0].ErrorMessage)
		require.Len(t, execs[0].ActionsResults, 1)
		assert.False(t, execs[0].ActionsResults[0].Success)
	})
}

func TestEngine_EmptyConditionsNeverSkip(t *testing.T) {
	f := newEngineFixture(t, DefaultOptions(), Collaborators{})
	f.store.automations = []Automation{{
		ID: "always", ProjectID: testProject, Name: "Always", IsActive: true,
		TriggerType: TriggerTaskCompleted,
		Actions:     []Action{{Type: ActionCreateActivity, Config: CreateActivityConfig{ActivityType: "note", Subject: "done"}}},
	}}

	execs, err := f.engine.Process(context.Background(), Event{
		ProjectID: testProject, TriggerType: TriggerTaskCompleted, EntityType: "task", EntityID: "missing-task",
	})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.NotEqual(t, StatusSkipped, execs[0].Status)
}

func TestEngine_EmitRejectsPastCascadeBound(t *testing.T) {
	f := newEngineFixture(t, Options{MaxCascadeDepth: 2, QueueSize: 4}, Collaborators{})

	evt := Event{ProjectID: testProject, TriggerType: TriggerEntityUpdated, EntityType: "opportunity", EntityID: "o", Depth: 3}
	assert.ErrorIs(t, f.engine.Emit(evt), ErrCascadeLimit)

	evt.Depth = 2
	assert.NoError(t, f.engine.Emit(evt))
}

func TestEngine_ProcessAndRunOneRespectCascadeBound(t *testing.T) {
	f := newEngineFixture(t, Options{MaxCascadeDepth: 2, QueueSize: 4}, Collaborators{})
	a := Automation{
		ID: "tagger", ProjectID: testProject, Name: "Tagger", IsActive: true,
		TriggerType: TriggerEntityUpdated,
		Actions:     []Action{{Type: ActionAddTag, Config: TagConfig{Tag: "deep"}}},
	}
	f.store.automations = []Automation{a}
	f.entities.put("opportunity", "o", map[string]interface{}{"name": "Deal"})

	evt := Event{ProjectID: testProject, TriggerType: TriggerEntityUpdated, EntityType: "opportunity", EntityID: "o", Depth: 3}
	execs, err := f.engine.Process(context.Background(), evt)
	assert.ErrorIs(t, err, ErrCascadeLimit)
	assert.Empty(t, execs)

	exec, err := f.engine.RunOne(context.Background(), a, evt)
	assert.ErrorIs(t, err, ErrCascadeLimit)
	assert.Nil(t, exec)
	assert.Empty(t, f.store.saved())

	evt.Depth = 2
	execs, err = f.engine.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestEngine_EmitQueueFullAndStopped(t *testing.T) {
	f := newEngineFixture(t, Options{QueueSize: 1}, Collaborators{})
	evt := Event{ProjectID: testProject, TriggerType: TriggerEntityUpdated, EntityType: "opportunity", EntityID: "o"}

	require.NoError(t, f.engine.Emit(evt))
	assert.ErrorIs(t, f.engine.Emit(evt), ErrQueueFull)

	require.NoError(t, f.engine.Stop(context.Background()))
	assert.ErrorIs(t, f.engine.Emit(evt), ErrEngineStopped)
}

func TestEngine_EmitRejectsInvalidEvent(t *testing.T) {
	f := newEngineFixture(t, DefaultOptions(), Collaborators{})
	err := f.engine.Emit(Event{ProjectID: testProject, TriggerType: "entity.exploded", EntityType: "x", EntityID: "y"})
	assert.Error(t, err)
}

// Two automations that flip each other's stage would loop forever without the
// depth bound.
func TestEngine_CascadeStopsAtBound(t *testing.T) {
	f := newEngineFixture(t, Options{MaxCascadeDepth: 2, Dispatchers: 1, QueueSize: 64}, Collaborators{})
	f.store.automations = []Automation{
		{
			ID: "to-b", ProjectID: testProject, Name: "a→b", IsActive: true,
			TriggerType:   TriggerStageChanged,
			TriggerConfig: map[string]interface{}{"to_stage": "a"},
			Actions:       []Action{{Type: ActionChangeStage, Config: ChangeStageConfig{Stage: "b"}}},
		},
		{
			ID: "to-a", ProjectID: testProject, Name: "b→a", IsActive: true,
			TriggerType:   TriggerStageChanged,
			TriggerConfig: map[string]interface{}{"to_stage": "b"},
			Actions:       []Action{{Type: ActionChangeStage, Config: ChangeStageConfig{Stage: "a"}}},
		},
	}
	f.entities.put("opportunity", "opp-1", map[string]interface{}{"stage": "x"})

	var mu sync.Mutex
	var depths []int
	f.engine.OnExecution(func(e *Execution) {
		mu.Lock()
		depths = append(depths, e.CascadeDepth)
		mu.Unlock()
	})

	f.engine.Start()
	require.NoError(t, f.engine.Emit(Event{
		ProjectID: testProject, TriggerType: TriggerStageChanged, EntityType: "opportunity", EntityID: "opp-1",
		Data: map[string]interface{}{"stage": "a"}, PreviousData: map[string]interface{}{"stage": "x"},
	}))

	require.Eventually(t, func() bool { return len(f.store.saved()) == 3 }, 2*time.Second, 10*time.Millisecond)
	// nothing beyond depth 2 is processed
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.engine.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, depths)
	assert.Len(t, f.store.saved(), 3)
}

func TestEngine_ConcurrencyBound(t *testing.T) {
	var inFlight, peak int32
	research := researchFunc(func(ctx context.Context) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "ok", nil
	})
	f := newEngineFixture(t, Options{MaxConcurrency: 2}, Collaborators{Research: research})
	for i := 0; i < 6; i++ {
		f.store.automations = append(f.store.automations, Automation{
			ID: "r" + string(rune('a'+i)), ProjectID: testProject, Name: "research", IsActive: true,
			TriggerType: TriggerMeetingScheduled,
			Actions:     []Action{{Type: ActionRunAIResearch, Config: RunAIResearchConfig{}}},
		})
	}

	execs, err := f.engine.Process(context.Background(), Event{
		ProjectID: testProject, TriggerType: TriggerMeetingScheduled, EntityType: "person", EntityID: "p1",
	})
	require.NoError(t, err)
	assert.Len(t, execs, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestEngine_RecordLossIsNotFatal(t *testing.T) {
	f := newEngineFixture(t, DefaultOptions(), Collaborators{})
	f.store.saveErr = errors.New("db unreachable")
	f.store.automations = []Automation{{
		ID: "a", ProjectID: testProject, Name: "a", IsActive: true,
		TriggerType: TriggerEntityCreated,
		Actions:     []Action{{Type: ActionCreateTask, Config: CreateTaskConfig{Title: "t"}}},
	}}

	execs, err := f.engine.Process(context.Background(), Event{
		ProjectID: testProject, TriggerType: TriggerEntityCreated, EntityType: "organization", EntityID: "o",
	})
	require.NoError(t, err)
	assert.Empty(t, execs)
	// the action still ran
	assert.Equal(t, 1, f.entities.taskCount())
}

func TestEngine_Preview(t *testing.T) {
	f := newEngineFixture(t, DefaultOptions(), Collaborators{})
	f.store.automations = []Automation{{
		ID: "big", ProjectID: testProject, Name: "Big", IsActive: true,
		TriggerType: TriggerEntityUpdated,
		Conditions:  []Condition{{Field: "amount", Operator: OpGreaterThan, Value: 10000}},
		Actions:     []Action{{Type: ActionCreateTask, Config: CreateTaskConfig{Title: "t"}}},
	}}

	res, err := f.engine.Preview(context.Background(), Event{
		ProjectID: testProject, TriggerType: TriggerEntityUpdated, EntityType: "opportunity", EntityID: "o",
		Data: map[string]interface{}{"amount": 100},
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.False(t, res[0].ConditionsPassed)
	require.NotNil(t, res[0].FailedCondition)
	assert.Equal(t, "amount", res[0].FailedCondition.Field)
	assert.Zero(t, f.entities.taskCount())
	assert.Empty(t, f.store.saved())
}

type researchFunc func(ctx context.Context) (string, error)

func (f researchFunc) Research(ctx context.Context, _ ResearchRequest) (ResearchResult, error) {
	text, err := f(ctx)
	return ResearchResult{Text: text}, err
}
