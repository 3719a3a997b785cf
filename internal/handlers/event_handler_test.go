package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"bidtrack/internal/automation"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmitter struct {
	err    error
	events []automation.Event
}

func (f *fakeEmitter) Emit(evt automation.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, evt)
	return nil
}

func postEvent(t *testing.T, emitter EventEmitter, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterEventRoutes(r.Group("/api"), NewEventHandler(emitter, nil))

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/projects/"+testProject+"/events", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

// depth/origin 由外部传入时会被重置
var stageEvent = map[string]interface{}{
	"trigger_type":         "stage.changed",
	"entity_type":          "opportunity",
	"entity_id":            "opp-1",
	"data":                 map[string]interface{}{"stage": "proposal"},
	"previous_data":        map[string]interface{}{"stage": "qualification"},
	"depth":                5,
	"origin_automation_id": "spoofed",
}

func TestEventHandler_Accepts(t *testing.T) {
	em := &fakeEmitter{}
	w := postEvent(t, em, stageEvent)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, em.events, 1)
	evt := em.events[0]
	assert.Equal(t, resp["event_id"], evt.ID)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, testProject, evt.ProjectID)
	assert.Zero(t, evt.Depth)
	assert.Empty(t, evt.OriginAutomationID)
}

func TestEventHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"queue full", automation.ErrQueueFull, http.StatusTooManyRequests},
		{"cascade", automation.ErrCascadeLimit, http.StatusUnprocessableEntity},
		{"stopped", automation.ErrEngineStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postEvent(t, &fakeEmitter{err: tt.err}, stageEvent)
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusTooManyRequests {
				assert.Equal(t, "1", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestEventHandler_RejectsInvalidEvents(t *testing.T) {
	em := &fakeEmitter{}
	w := postEvent(t, em, map[string]interface{}{"trigger_type": "entity.exploded", "entity_type": "opportunity", "entity_id": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postEvent(t, em, map[string]interface{}{"trigger_type": "entity.created", "entity_type": "opportunity"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, em.events)
}

func TestEventHandler_StoppedEngine(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Start()
	require.NoError(t, env.engine.Stop(context.Background()))

	w := postEvent(t, env.engine, stageEvent)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
