// Package advisor implements the strategic-advisor boundary: an
// OpenAI-compatible chat client that turns an agent's distress context into
// a structured policy adjustment, plus the retry and cache decorators that
// make it safe to call from the round pipeline.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agora/internal/economy/ports"
	sharederrors "agora/internal/shared/errors"
	"agora/internal/shared/logging"
)

// Config configures the HTTP advisor client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	Headers    map[string]string
}

// Client speaks the OpenAI-compatible chat completions API.
type Client struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
	logger     logging.Logger
}

// NewClient constructs an advisor backed by a chat completions endpoint.
func NewClient(config Config, logger logging.Logger) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		model:      config.Model,
		apiKey:     config.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		headers:    config.Headers,
		logger:     logging.OrNop(logger),
	}
}

// Model returns the model name used by this client.
func (c *Client) Model() string {
	return c.model
}

// Invoke sends the trigger context and parses the structured answer.
func (c *Client) Invoke(ctx context.Context, req ports.AdvisorRequest) (ports.AdvisorResponse, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": buildUserPrompt(req)},
		},
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return ports.AdvisorResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	c.logger.Debug("=== Advisor Request ===")
	c.logger.Debug("URL: POST %s", endpoint)
	c.logger.Debug("Model: %s agent=%s trigger=%s", c.model, req.AgentID, req.Trigger.Type)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return ports.AdvisorResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Debug("HTTP request failed: %v", err)
		return ports.AdvisorResponse{}, sharederrors.NewTransientError(err, "advisor request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ports.AdvisorResponse{}, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("=== Advisor Response ===")
	c.logger.Debug("Status: %d %s", resp.StatusCode, resp.Status)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("Error Response Body: %s", string(respBody))
		return ports.AdvisorResponse{}, sharederrors.FromHTTPStatus(
			fmt.Errorf("advisor returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
			resp.StatusCode, "advisor request rejected")
	}

	var chatResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return ports.AdvisorResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if chatResp.Error != nil && chatResp.Error.Message != "" {
		return ports.AdvisorResponse{}, sharederrors.FromHTTPStatus(
			fmt.Errorf("advisor error: %s: %s", chatResp.Error.Type, chatResp.Error.Message),
			resp.StatusCode, "advisor request rejected")
	}
	if len(chatResp.Choices) == 0 {
		return ports.AdvisorResponse{}, sharederrors.NewTransientError(
			fmt.Errorf("no choices in response"), "advisor returned an empty response")
	}

	parsed, err := ParseResponse(chatResp.Choices[0].Message.Content)
	if err != nil {
		c.logger.Debug("Failed to parse advisor content: %v", err)
		return ports.AdvisorResponse{}, err
	}
	c.logger.Debug("Advisor reasoning: %s", truncate(parsed.Reasoning, 200))
	return parsed, nil
}

const systemPrompt = `You are the strategic advisor for an autonomous selling agent in a ` +
	`task marketplace. The agent bids against same-type competitors; auctions score ` +
	`bids by value per dollar, so cheaper bids and higher reputation both help. ` +
	`You receive the agent's current policy and distress context. Respond with ONE ` +
	`JSON object and nothing else, using these optional fields: target_margin ` +
	`(fraction, e.g. 0.10), min_margin (fraction), bid_floor_dollars (number), ` +
	`review_interval (rounds, integer), blocklist_add (agent IDs), blocklist_remove ` +
	`(agent IDs), partnerships (list of {action, partner_id, split, reason}), plus required ` +
	`fields reasoning (short) and narrative (one diary sentence in the agent's voice). ` +
	`Omit any policy field you do not want to change. Never set target_margin below min_margin.`

// buildUserPrompt renders the advisor context as labelled JSON so the model
// sees exact figures instead of prose approximations.
func buildUserPrompt(req ports.AdvisorRequest) string {
	c := req.Context
	payload := map[string]any{
		"trigger": map[string]any{
			"type":      req.Trigger.Type,
			"detail":    req.Trigger.Detail,
			"observed":  req.Trigger.Observed,
			"threshold": req.Trigger.Threshold,
		},
		"agent": map[string]any{
			"name":               c.AgentName,
			"type":               c.Type,
			"balance_dollars":    c.Balance.Dollars(),
			"reputation":         c.Reputation,
			"trailing_win_rate":  c.TrailingWinRate,
			"consecutive_losses": c.ConsecutiveLosses,
			"lifetime_wins":      c.LifetimeWins,
			"lifetime_losses":    c.LifetimeLosses,
		},
		"policy": map[string]any{
			"version":           c.Policy.Version,
			"target_margin":     c.Policy.TargetMargin,
			"min_margin":        c.Policy.MinMargin,
			"bid_floor_dollars": c.Policy.BidFloor.Dollars(),
			"review_interval":   c.Policy.Review.IntervalRounds,
		},
		"market": map[string]any{
			"round":               c.Round,
			"open_tasks":          c.Market.OpenTasks,
			"avg_ceiling_dollars": c.Market.AvgCeiling.Dollars(),
		},
	}
	if c.LastDecision != nil {
		payload["last_decision"] = map[string]any{
			"round":    c.LastDecision.Round,
			"trigger":  c.LastDecision.Trigger,
			"win_rate": c.LastDecision.WinRate,
			"summary":  c.LastDecision.Summary,
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("trigger %s for agent %s", req.Trigger.Type, c.AgentName)
	}
	return string(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ ports.Advisor = (*Client)(nil)
