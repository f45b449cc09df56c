package advisor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"agora/internal/economy/ports"
	"agora/internal/money"
)

// rawResponse mirrors the JSON contract the system prompt asks for. Policy
// fields are pointers so an omitted field is distinguishable from zero.
type rawResponse struct {
	TargetMargin    *float64 `json:"target_margin"`
	MinMargin       *float64 `json:"min_margin"`
	BidFloorDollars *float64 `json:"bid_floor_dollars"`
	ReviewInterval  *int     `json:"review_interval"`
	BlocklistAdd    []string `json:"blocklist_add"`
	BlocklistRemove []string `json:"blocklist_remove"`
	Partnerships    []struct {
		Action    string  `json:"action"`
		PartnerID string  `json:"partner_id"`
		Split     float64 `json:"split"`
		Reason    string  `json:"reason"`
	} `json:"partnerships"`
	Reasoning string `json:"reasoning"`
	Narrative string `json:"narrative"`
}

// ParseResponse extracts the structured answer from model output. Models
// wrap JSON in prose or fences often enough that a strict-then-repair
// pipeline is required: strip fences, try strict unmarshal, then repair
// with jsonrepair before giving up.
func ParseResponse(content string) (ports.AdvisorResponse, error) {
	text := stripFences(content)
	if text == "" {
		return ports.AdvisorResponse{}, fmt.Errorf("empty advisor content")
	}

	var raw rawResponse
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return ports.AdvisorResponse{}, fmt.Errorf("parse advisor content: %w (repair: %v)", err, repairErr)
		}
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return ports.AdvisorResponse{}, fmt.Errorf("parse repaired advisor content: %w", err)
		}
	}

	resp := ports.AdvisorResponse{
		Delta: ports.PolicyDelta{
			TargetMargin:    raw.TargetMargin,
			MinMargin:       raw.MinMargin,
			ReviewInterval:  raw.ReviewInterval,
			BlocklistAdd:    raw.BlocklistAdd,
			BlocklistRemove: raw.BlocklistRemove,
		},
		Reasoning: strings.TrimSpace(raw.Reasoning),
		Narrative: strings.TrimSpace(raw.Narrative),
	}
	if raw.BidFloorDollars != nil {
		floor := money.FromDollars(*raw.BidFloorDollars)
		resp.Delta.BidFloor = &floor
	}
	for _, p := range raw.Partnerships {
		resp.Partnerships = append(resp.Partnerships, ports.PartnershipAction{
			Action:       strings.TrimSpace(p.Action),
			PartnerID:    strings.TrimSpace(p.PartnerID),
			OfferedSplit: p.Split,
			Reason:       strings.TrimSpace(p.Reason),
		})
	}
	if err := validate(resp.Delta); err != nil {
		return ports.AdvisorResponse{}, err
	}
	return resp, nil
}

// validate rejects deltas that would put the policy into an unusable state.
func validate(delta ports.PolicyDelta) error {
	if delta.TargetMargin != nil && (*delta.TargetMargin <= 0 || *delta.TargetMargin >= 1) {
		return fmt.Errorf("target_margin %v out of range (0, 1)", *delta.TargetMargin)
	}
	if delta.MinMargin != nil && (*delta.MinMargin < 0 || *delta.MinMargin >= 1) {
		return fmt.Errorf("min_margin %v out of range [0, 1)", *delta.MinMargin)
	}
	if delta.TargetMargin != nil && delta.MinMargin != nil && *delta.TargetMargin < *delta.MinMargin {
		return fmt.Errorf("target_margin %v below min_margin %v", *delta.TargetMargin, *delta.MinMargin)
	}
	if delta.BidFloor != nil && *delta.BidFloor < 0 {
		return fmt.Errorf("bid_floor %s is negative", *delta.BidFloor)
	}
	if delta.ReviewInterval != nil && *delta.ReviewInterval < 1 {
		return fmt.Errorf("review_interval %d below 1", *delta.ReviewInterval)
	}
	return nil
}

// stripFences removes a surrounding markdown code fence and any prose before
// the first brace.
func stripFences(content string) string {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	if idx := strings.Index(text, "{"); idx > 0 {
		text = text[idx:]
	}
	return text
}
