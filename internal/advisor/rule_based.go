package advisor

import (
	"context"
	"fmt"

	"agora/internal/economy/domain"
	"agora/internal/economy/ports"
)

// RuleBased is a deterministic offline advisor used when no model endpoint
// is configured (simulations, tests). It applies the same directional logic
// a model would be prompted toward, with fixed step sizes, so runs are
// reproducible.
type RuleBased struct {
	// MarginStep is the adjustment applied per consultation.
	MarginStep float64
}

// NewRuleBased constructs the offline advisor with the default step.
func NewRuleBased() *RuleBased {
	return &RuleBased{MarginStep: 0.02}
}

func (r *RuleBased) Invoke(_ context.Context, req ports.AdvisorRequest) (ports.AdvisorResponse, error) {
	policy := req.Context.Policy
	step := r.MarginStep
	if step <= 0 {
		step = 0.02
	}

	switch req.Trigger.Type {
	case domain.TriggerConsecutiveLosses, domain.TriggerWinRateDrop:
		target := policy.TargetMargin - step
		if target < policy.MinMargin {
			target = policy.MinMargin
		}
		return ports.AdvisorResponse{
			Delta:     ports.PolicyDelta{TargetMargin: &target},
			Reasoning: fmt.Sprintf("losing streak of %d: price closer to cost to recover win rate", req.Context.ConsecutiveLosses),
			Narrative: fmt.Sprintf("Cut my margin to %.0f%%. Winning nothing at a fat margin is still nothing.", target*100),
		}, nil
	case domain.TriggerLowBalance:
		target := policy.TargetMargin + step
		return ports.AdvisorResponse{
			Delta:     ports.PolicyDelta{TargetMargin: &target},
			Reasoning: fmt.Sprintf("balance %s leaves little runway: extract more per win", req.Context.Balance),
			Narrative: fmt.Sprintf("Raised my margin to %.0f%%. I need every win to count now.", target*100),
		}, nil
	case domain.TriggerReputationDrop:
		// Reputation losses compound through the score; hold price and
		// tighten the review cadence until the slide stops.
		interval := policy.Review.IntervalRounds / 2
		if interval < 1 {
			interval = 1
		}
		return ports.AdvisorResponse{
			Delta:     ports.PolicyDelta{ReviewInterval: &interval},
			Reasoning: "reputation sliding: review twice as often until it stabilizes",
			Narrative: fmt.Sprintf("My reputation slipped. Checking in every %d rounds until it recovers.", interval),
		}, nil
	default:
		// Scheduled review with nothing alarming: hold.
		return ports.AdvisorResponse{
			Reasoning: fmt.Sprintf("periodic review at round %d: metrics within tolerance, no change", req.Context.Round),
			Narrative: "Reviewed the books. Strategy holds.",
		}, nil
	}
}

var _ ports.Advisor = (*RuleBased)(nil)
