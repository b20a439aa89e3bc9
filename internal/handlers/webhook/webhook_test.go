package webhook_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronoplan/internal/domain"
	"chronoplan/internal/handlers/webhook"
)

func TestExecuteMapsResponses(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		outcome   domain.Outcome
		wantErr   bool
		permanent bool
	}{
		{"ok", http.StatusOK, "", domain.OutcomeSuccess, false, false},
		{"no content", http.StatusNoContent, "", domain.OutcomeSuccess, false, false},
		{"skipped body", http.StatusOK, `{"outcome":"SKIPPED"}`, domain.OutcomeSkipped, false, false},
		{"already reported", http.StatusAlreadyReported, "", domain.OutcomeSkipped, false, false},
		{"server error", http.StatusInternalServerError, "boom", domain.OutcomeFailure, true, false},
		{"throttled", http.StatusTooManyRequests, "", domain.OutcomeFailure, true, false},
		{"gateway timeout", http.StatusGatewayTimeout, "", domain.OutcomeTimeout, true, false},
		{"bad request", http.StatusBadRequest, "bad payload", domain.OutcomeFailure, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			ex, err := webhook.New(domain.ModuleReminder, webhook.Config{URL: srv.URL})
			require.NoError(t, err)
			outcome, err := ex.Execute(context.Background(), domain.Payload{})
			assert.Equal(t, tc.outcome, outcome)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.permanent, domain.IsNoRetry(err))
		})
	}
}

func TestExecutePostsPayload(t *testing.T) {
	var got webhook.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ex, err := webhook.New(domain.ModuleHabit, webhook.Config{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}})
	require.NoError(t, err)
	outcome, err := ex.Execute(context.Background(), domain.Payload{Habit: &domain.HabitPayload{HabitID: "h-9"}})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, outcome)
	assert.Equal(t, domain.ModuleHabit, got.Module)
	require.NotNil(t, got.Payload.Habit)
	assert.Equal(t, "h-9", got.Payload.Habit.HabitID)
}

func TestExecuteHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ex, err := webhook.New(domain.ModuleTask, webhook.Config{URL: srv.URL})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	outcome, err := ex.Execute(ctx, domain.Payload{})
	require.Error(t, err)
	assert.Equal(t, domain.OutcomeTimeout, outcome)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := webhook.New(domain.ModuleGoal, webhook.Config{})
	assert.Error(t, err)
}
