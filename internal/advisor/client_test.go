package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/economy/domain"
	"agora/internal/economy/ports"
	"agora/internal/money"
	sharederrors "agora/internal/shared/errors"
)

func sampleRequest() ports.AdvisorRequest {
	return ports.AdvisorRequest{
		AgentID: "agent-1",
		Trigger: domain.Trigger{Type: domain.TriggerConsecutiveLosses, Detail: "6 straight losses"},
		Context: ports.AdvisorContext{
			AgentName:         "corner-catalog",
			Type:              domain.AgentTypeCatalog,
			Balance:           money.FromDollars(0.42),
			Reputation:        3.8,
			ConsecutiveLosses: 6,
			Round:             14,
			Policy:            domain.Policy{Version: 3, TargetMargin: 0.12, MinMargin: 0.05, Review: domain.ReviewPolicy{IntervalRounds: 10}},
		},
	}
}

func chatCompletion(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
}

func TestClientInvokeParsesAnswer(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		require.NoError(t, json.NewEncoder(w).Encode(chatCompletion(
			`{"target_margin": 0.09, "reasoning": "price closer to cost", "narrative": "Cut my margin."}`)))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "test-key", Model: "test-model"}, nil)
	resp, err := client.Invoke(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.NotNil(t, resp.Delta.TargetMargin)
	assert.Equal(t, 0.09, *resp.Delta.TargetMargin)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotBody["model"])

	// The distress context reaches the model as structured JSON.
	messages := gotBody["messages"].([]any)
	require.Len(t, messages, 2)
	user := messages[1].(map[string]any)["content"].(string)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(user), &payload))
	trigger := payload["trigger"].(map[string]any)
	assert.Equal(t, "consecutive_losses", trigger["type"])
}

func TestClientInvokeServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Model: "test-model"}, nil)
	_, err := client.Invoke(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, sharederrors.IsTransient(err))
}

func TestClientInvokeAuthErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Model: "test-model"}, nil)
	_, err := client.Invoke(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.False(t, sharederrors.IsTransient(err))
}

func TestClientInvokeRepairsSloppyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(chatCompletion(
			"```json\n{'target_margin': 0.10, 'reasoning': 'fenced and single-quoted',}\n```")))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Model: "test-model"}, nil)
	resp, err := client.Invoke(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.NotNil(t, resp.Delta.TargetMargin)
	assert.Equal(t, 0.10, *resp.Delta.TargetMargin)
}

type countingAdvisor struct {
	calls    int
	failures int
	response ports.AdvisorResponse
}

func (c *countingAdvisor) Invoke(_ context.Context, _ ports.AdvisorRequest) (ports.AdvisorResponse, error) {
	c.calls++
	if c.calls <= c.failures {
		return ports.AdvisorResponse{}, sharederrors.NewTransientError(errors.New("overloaded"), "try again")
	}
	return c.response, nil
}

func TestRetryAdvisorRecoversFromTransient(t *testing.T) {
	delegate := &countingAdvisor{failures: 2, response: ports.AdvisorResponse{Reasoning: "ok"}}
	wrapped := NewRetryAdvisor(delegate, sharederrors.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, nil)

	resp, err := wrapped.Invoke(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Reasoning)
	assert.Equal(t, 3, delegate.calls)
}

func TestCacheAdvisorMemoizesByPolicyVersion(t *testing.T) {
	delegate := &countingAdvisor{response: ports.AdvisorResponse{Reasoning: "cached"}}
	cached := NewCacheAdvisor(delegate, DefaultCacheConfig())

	req := sampleRequest()
	_, err := cached.Invoke(context.Background(), req)
	require.NoError(t, err)
	_, err = cached.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, delegate.calls, "identical request must hit the cache")

	// A new policy version rotates the key.
	req.Context.Policy.Version = 4
	_, err = cached.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, delegate.calls)
}

func TestCacheAdvisorExpiresEntries(t *testing.T) {
	delegate := &countingAdvisor{response: ports.AdvisorResponse{Reasoning: "short-lived"}}
	cached := NewCacheAdvisor(delegate, CacheConfig{MaxSize: 8, TTL: time.Millisecond})

	req := sampleRequest()
	_, err := cached.Invoke(context.Background(), req)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = cached.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, delegate.calls)
}

func TestCacheAdvisorDoesNotCacheErrors(t *testing.T) {
	delegate := &countingAdvisor{failures: 1, response: ports.AdvisorResponse{Reasoning: "eventually"}}
	cached := NewCacheAdvisor(delegate, DefaultCacheConfig())

	req := sampleRequest()
	_, err := cached.Invoke(context.Background(), req)
	require.Error(t, err)
	resp, err := cached.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "eventually", resp.Reasoning)
}

func TestRuleBasedDirections(t *testing.T) {
	rb := NewRuleBased()
	req := sampleRequest()

	resp, err := rb.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Delta.TargetMargin)
	assert.InDelta(t, 0.10, *resp.Delta.TargetMargin, 1e-9, "losses loosen the margin")

	req.Trigger.Type = domain.TriggerLowBalance
	resp, err = rb.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Delta.TargetMargin)
	assert.InDelta(t, 0.14, *resp.Delta.TargetMargin, 1e-9, "balance pressure tightens the margin")

	req.Trigger.Type = domain.TriggerReputationDrop
	resp, err = rb.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Delta.ReviewInterval)
	assert.Equal(t, 5, *resp.Delta.ReviewInterval)

	req.Trigger.Type = domain.TriggerScheduledReview
	resp, err = rb.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Delta.IsZero())
}
