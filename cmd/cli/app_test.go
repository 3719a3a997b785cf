package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"bidtrack/internal/automation"
	"bidtrack/internal/config"
	"bidtrack/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const project = "6b1d2c3e-4f50-4a61-8b72-93a4b5c6d7e8"

func newTestApp(t *testing.T) *app {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "file:cli_" + uuid.NewString() + "?mode=memory&cache=shared"
	cfg.Database.MaxOpenConns = 1
	cfg.Log.Level = "error"
	cfg.Automation.Retry.MaxAttempts = 1
	cfg.Automation.ShutdownTimeout = 5 * time.Second

	db, err := openDB(cfg)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	require.NoError(t, migrate(db, log))
	return newApp(cfg, db, log)
}

func call(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestApp_EventToExecution(t *testing.T) {
	a := newTestApp(t)
	r := a.router()

	require.Equal(t, http.StatusOK, call(t, r, http.MethodGet, "/health", nil).Code)

	w := call(t, r, http.MethodPost, "/api/projects/"+project+"/automations", map[string]interface{}{
		"name":           "Flag new RFPs",
		"trigger_type":   "entity.created",
		"trigger_config": map[string]interface{}{"entity_type": "rfp"},
		"actions": []map[string]interface{}{
			{"type": "add_tag", "config": map[string]interface{}{"tag": "new-rfp"}},
			{"type": "create_activity", "config": map[string]interface{}{"activity_type": "note", "subject": "RFP {{.title}} logged"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	rfp := &models.RFP{ProjectID: project, Title: "Bridge inspection services", Stage: "identified", Status: "open"}
	require.NoError(t, a.db.Create(rfp).Error)

	a.engine.Start()
	w = call(t, r, http.MethodPost, "/api/projects/"+project+"/events", map[string]interface{}{
		"trigger_type": "entity.created",
		"entity_type":  "rfp",
		"entity_id":    rfp.ID,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.NoError(t, a.engine.Stop(context.Background()))

	var exec models.AutomationExecution
	require.NoError(t, a.db.Where("entity_id = ?", rfp.ID).First(&exec).Error)
	assert.Equal(t, "success", exec.Status)

	var act models.Activity
	require.NoError(t, a.db.Where("entity_id = ?", rfp.ID).First(&act).Error)
	assert.Equal(t, "RFP Bridge inspection services logged", act.Subject)

	w = call(t, r, http.MethodGet, "/api/automation/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "executions_by_status")
}

func TestApp_RunScanProcessesOverdueTasks(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	w := call(t, a.router(), http.MethodPost, "/api/projects/"+project+"/automations", map[string]interface{}{
		"name":           "Escalate overdue tasks",
		"trigger_type":   "time.task_overdue",
		"trigger_config": map[string]interface{}{"days": 2},
		"actions": []map[string]interface{}{
			{"type": "add_tag", "config": map[string]interface{}{"tag": "escalated"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	now := time.Now().UTC().Truncate(time.Second)
	late := now.Add(-72 * time.Hour)
	fresh := now.Add(-24 * time.Hour)
	lateTask := &models.Task{ProjectID: project, Title: "Submit Q&A", Status: "open", DueDate: &late}
	freshTask := &models.Task{ProjectID: project, Title: "Draft cover letter", Status: "open", DueDate: &fresh}
	require.NoError(t, a.db.Create(lateTask).Error)
	require.NoError(t, a.db.Create(freshTask).Error)

	n, err := runScan(ctx, a, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tags, err := a.entities.ListTags(ctx, project, "task", lateTask.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"escalated"}, tags)

	tags, err = a.entities.ListTags(ctx, project, "task", freshTask.ID)
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestOpenDB_AppliesPoolSettings(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	cfg.Database.MaxOpenConns = 3
	db, err := openDB(cfg)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()
	assert.Equal(t, 3, sqlDB.Stats().MaxOpenConnections)
}

func TestWriteVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeVersion(&buf, false))
	assert.Contains(t, buf.String(), "bidtrack dev (commit none")

	buf.Reset()
	require.NoError(t, writeVersion(&buf, true))
	var info buildInfo
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}

func TestBackground_ShutdownDrainsEngineBeforeStoppingHub(t *testing.T) {
	a := newTestApp(t)

	w := call(t, a.router(), http.MethodPost, "/api/projects/"+project+"/automations", map[string]interface{}{
		"name":         "Tag new RFPs",
		"trigger_type": "entity.created",
		"actions": []map[string]interface{}{
			{"type": "add_tag", "config": map[string]interface{}{"tag": "new-rfp"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rfp := &models.RFP{ProjectID: project, Title: "Pavement survey", Stage: "identified", Status: "open"}
	require.NoError(t, a.db.Create(rfp).Error)

	bg := a.startBackground()

	var (
		mu       sync.Mutex
		hubAlive []bool
	)
	a.engine.OnExecution(func(*automation.Execution) {
		mu.Lock()
		defer mu.Unlock()
		select {
		case <-bg.hubDone:
			hubAlive = append(hubAlive, false)
		default:
			hubAlive = append(hubAlive, true)
		}
	})

	evt := automation.Event{ProjectID: project, TriggerType: automation.TriggerEntityCreated, EntityType: "rfp", EntityID: rfp.ID}
	require.NoError(t, a.engine.Emit(evt))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bg.shutdown(ctx, a))

	for name, ch := range map[string]chan struct{}{"scanner": bg.scannerDone, "hub": bg.hubDone} {
		select {
		case <-ch:
		default:
			t.Fatalf("%s still running after shutdown", name)
		}
	}
	assert.ErrorIs(t, a.engine.Emit(evt), automation.ErrEngineStopped)

	mu.Lock()
	assert.Equal(t, []bool{true}, hubAlive, "drained executions are published while the hub runs")
	mu.Unlock()
}
