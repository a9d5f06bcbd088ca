package nutrition

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitpulse/fitpulse/internal/pkg/config"
	"github.com/fitpulse/fitpulse/internal/pkg/jobqueue"
)

func TestTriggerGoalRecalculation_NoopWithoutHook(t *testing.T) {
	c := NewClient(config.NutritionConfig{})
	assert.False(t, c.Enabled())
	assert.NoError(t, c.TriggerGoalRecalculation(context.Background(), 1, "free", ""))
}

func TestTriggerGoalRecalculation_PostsPlanChange(t *testing.T) {
	var got recalculateRequest
	var trace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		trace = r.Header.Get("X-Trace-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(config.NutritionConfig{HookURL: srv.URL, Timeout: time.Second})
	require.NoError(t, c.TriggerGoalRecalculation(context.Background(), 9, "pro_monthly", "0123456789abcdef"))

	assert.Equal(t, recalculateRequest{UserID: 9, Plan: "pro_monthly", TraceID: "0123456789abcdef"}, got)
	assert.Equal(t, "0123456789abcdef", trace)
}

func TestTriggerGoalRecalculation_ErrorClasses(t *testing.T) {
	tests := []struct {
		status   int
		terminal bool
	}{
		{status: http.StatusServiceUnavailable, terminal: false},
		{status: http.StatusTooManyRequests, terminal: false},
		{status: http.StatusBadRequest, terminal: true},
		{status: http.StatusNotFound, terminal: true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		c := NewClient(config.NutritionConfig{HookURL: srv.URL, Timeout: time.Second})

		err := c.TriggerGoalRecalculation(context.Background(), 1, "free", "")
		require.Error(t, err, tt.status)
		assert.Equal(t, tt.terminal, jobqueue.IsTerminal(err), tt.status)
		srv.Close()
	}
}

func TestJobHandler(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()
	h := NewClient(config.NutritionConfig{HookURL: srv.URL}).JobHandler()

	job := &jobqueue.Job{TraceID: "t", Payload: jobqueue.RecalculateGoalPayload{UserID: 4, Plan: "free"}.ToMap()}
	require.NoError(t, h(context.Background(), job))
	assert.Equal(t, 1, calls)

	err := h(context.Background(), &jobqueue.Job{Payload: map[string]interface{}{}})
	assert.True(t, jobqueue.IsTerminal(err))
}
