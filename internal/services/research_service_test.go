package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bidtrack/internal/automation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var researchReq = automation.ResearchRequest{
	ProjectID:  projectA,
	EntityType: "organization",
	EntityID:   "org-1",
	Focus:      "procurement cycle",
	Entity: map[string]interface{}{
		"name":          "Springfield Transit",
		"industry":      "public sector",
		"custom_fields": map[string]interface{}{"fiscal_year_end": "June"},
	},
}

func TestResearchService_FallbackWithoutKey(t *testing.T) {
	svc := NewResearchService(ResearchConfig{}, nil, quietLogger())
	out, err := svc.Research(context.Background(), researchReq)
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.Empty(t, out.Model)
	assert.Contains(t, out.Text, "Springfield Transit")
	assert.Contains(t, out.Text, "procurement cycle")
}

func TestResearchService_CallsProvider(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  Budget cycles end in June.  "}}]}`))
	}))
	defer srv.Close()

	svc := NewResearchService(ResearchConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Model: "test-model"}, nil, quietLogger())
	out, err := svc.Research(context.Background(), researchReq)
	require.NoError(t, err)
	assert.Equal(t, "Budget cycles end in June.", out.Text)
	assert.Equal(t, "test-model", out.Model)
	assert.False(t, out.Fallback)

	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	prompt := got.Messages[1].Content
	assert.Contains(t, prompt, "Focus: procurement cycle")
	assert.Contains(t, prompt, "- industry: public sector")
	assert.Contains(t, prompt, "- fiscal_year_end: June")
}

func TestResearchService_BreakerOpensAfterFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream down","type":"server_error"}}`))
	}))
	defer srv.Close()

	breaker := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	svc := NewResearchService(ResearchConfig{APIKey: "k", BaseURL: srv.URL}, breaker, quietLogger())

	for i := 0; i < 2; i++ {
		_, err := svc.Research(context.Background(), researchReq)
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "upstream down"))
	}
	assert.Equal(t, BreakerOpen, breaker.State())

	_, err := svc.Research(context.Background(), researchReq)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls), "open breaker short-circuits the provider")
}
