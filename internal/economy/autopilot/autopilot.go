// Package autopilot holds the pure decision functions behind every agent:
// bid scoring and evaluation, partnership screening, exception detection,
// review scheduling, and lifecycle classification. Nothing here performs
// I/O; services feed in freshly loaded state and persist the results.
package autopilot

import (
	"fmt"

	"agora/internal/economy/domain"
	"agora/internal/money"
)

const (
	// scoreBase anchors the scoring numerator so bid price dominates.
	scoreBase = 100.0
	// reputationWeight scales reputation into a single-digit-percent
	// modifier, keeping the market contestable for low-reputation agents
	// willing to underbid.
	reputationWeight = 2.0
	// lowFundsRunwayRounds is the runway below which an agent is flagged.
	lowFundsRunwayRounds = 10
)

// Score rates a bid for auction ranking. Higher wins. Reputation is
// clamped to its ceiling before scaling, so a maxed-out reputation moves
// the score by at most reputationWeight*ReputationMax over the base.
func Score(bid money.Amount, reputation float64) float64 {
	if bid <= 0 {
		return 0
	}
	if reputation < 0 {
		reputation = 0
	}
	if reputation > domain.ReputationMax {
		reputation = domain.ReputationMax
	}
	return (scoreBase + reputationWeight*reputation) / bid.Dollars()
}

// AllInCost is the true per-task break-even floor: execution plus bid
// submission plus amortized upkeep and advisor overhead.
func AllInCost(c domain.CostStructure) money.Amount {
	total := c.Execution + c.BidSubmission
	total += c.UpkeepPerRound.MulRate(c.WakeRate)
	if c.AdvisorInterval > 0 {
		total += money.FromMicros(c.AdvisorInvocation.Micros() / int64(c.AdvisorInterval))
	}
	return total
}

// BidDecision is the outcome of evaluating one task. Reasoning always
// carries a human-readable justification for the audit trail.
type BidDecision struct {
	Submit    bool
	Amount    money.Amount
	Reasoning string
}

// EvaluateBid decides whether and what to bid on a task.
//
// Order of checks: the policy's bid floor, then the target-margin price,
// then the minimum-margin feasibility test, then the ceiling itself.
// Any returned bid clears the all-in cost; an unprofitable task is a skip
// with reasoning, never an error.
func EvaluateBid(task domain.Task, policy domain.Policy, costs domain.CostStructure, balance money.Amount) BidDecision {
	if task.MaxBid < policy.BidFloor {
		return BidDecision{
			Reasoning: fmt.Sprintf("skip: ceiling %s below policy bid floor %s", task.MaxBid, policy.BidFloor),
		}
	}

	allIn := AllInCost(costs)
	worstCaseSpend := costs.Execution + costs.BidSubmission

	targetBid := allIn.DivRate(1 - policy.TargetMargin)
	if targetBid <= task.MaxBid {
		if balance < worstCaseSpend {
			return BidDecision{
				Reasoning: fmt.Sprintf("skip: balance %s cannot cover worst-case spend %s", balance, worstCaseSpend),
			}
		}
		return BidDecision{
			Submit: true,
			Amount: targetBid,
			Reasoning: fmt.Sprintf("bid %s at target margin %.0f%% over all-in cost %s",
				targetBid, policy.TargetMargin*100, allIn),
		}
	}

	minMarginBid := allIn.DivRate(1 - policy.MinMargin)
	if minMarginBid > task.MaxBid {
		return BidDecision{
			Reasoning: fmt.Sprintf("skip: would lose money, even minimum-margin bid %s exceeds ceiling %s (all-in cost %s)",
				minMarginBid, task.MaxBid, allIn),
		}
	}

	if balance < worstCaseSpend {
		return BidDecision{
			Reasoning: fmt.Sprintf("skip: balance %s cannot cover worst-case spend %s", balance, worstCaseSpend),
		}
	}
	return BidDecision{
		Submit: true,
		Amount: task.MaxBid,
		Reasoning: fmt.Sprintf("bid ceiling %s: target-margin price %s unachievable but minimum margin still clears",
			task.MaxBid, targetBid),
	}
}

// PartnershipVerdict is the outcome of screening a proposal.
type PartnershipVerdict string

const (
	PartnershipAccept   PartnershipVerdict = "accept"
	PartnershipReject   PartnershipVerdict = "reject"
	PartnershipEscalate PartnershipVerdict = "escalate"
)

// EvaluatePartnership screens an inbound proposal. Same-type proposers are
// competitors and always rejected; ambiguous proposals resolve to reject.
func EvaluatePartnership(proposal domain.PartnershipProposal, policy domain.PartnershipPolicy, selfType domain.AgentType) (PartnershipVerdict, string) {
	if proposal.ProposerType == selfType {
		return PartnershipReject, fmt.Sprintf("same-type agent %s is a competitor", proposal.ProposerID)
	}
	for _, blocked := range policy.Blocklist {
		if blocked == proposal.ProposerID {
			return PartnershipReject, fmt.Sprintf("proposer %s is blocklisted", proposal.ProposerID)
		}
	}
	if proposal.ProposerReputation >= policy.MinReputation && proposal.OfferedSplit >= policy.MinOwnSplit {
		return PartnershipAccept, fmt.Sprintf("reputation %.2f and split %.0f%% both clear policy minimums",
			proposal.ProposerReputation, proposal.OfferedSplit*100)
	}
	if proposal.ProposerReputation >= policy.EscalateReputation {
		return PartnershipEscalate, fmt.Sprintf("high-value proposer (reputation %.2f) needs advisor judgment",
			proposal.ProposerReputation)
	}
	return PartnershipReject, "proposal does not clear acceptance bands"
}

// DetectException checks live state against policy thresholds in fixed
// priority order and surfaces at most one trigger: consecutive losses,
// then balance floor, then reputation drift, then win-rate drift.
func DetectException(state domain.RuntimeState, policy domain.ExceptionPolicy, balance money.Amount, reputation float64) (domain.Trigger, bool) {
	if policy.MaxConsecutiveLosses > 0 && state.ConsecutiveLosses >= policy.MaxConsecutiveLosses {
		return domain.Trigger{
			Type:      domain.TriggerConsecutiveLosses,
			Detail:    fmt.Sprintf("%d consecutive losses (threshold %d)", state.ConsecutiveLosses, policy.MaxConsecutiveLosses),
			Observed:  float64(state.ConsecutiveLosses),
			Threshold: float64(policy.MaxConsecutiveLosses),
		}, true
	}
	if policy.BalanceFloor > 0 && balance < policy.BalanceFloor {
		return domain.Trigger{
			Type:      domain.TriggerLowBalance,
			Detail:    fmt.Sprintf("balance %s below floor %s", balance, policy.BalanceFloor),
			Observed:  balance.Dollars(),
			Threshold: policy.BalanceFloor.Dollars(),
		}, true
	}
	if policy.ReputationDrop > 0 {
		if drop := state.CheckpointRep - reputation; drop >= policy.ReputationDrop {
			return domain.Trigger{
				Type:      domain.TriggerReputationDrop,
				Detail:    fmt.Sprintf("reputation fell %.2f since last check (threshold %.2f)", drop, policy.ReputationDrop),
				Observed:  drop,
				Threshold: policy.ReputationDrop,
			}, true
		}
	}
	if policy.WinRateDropPct > 0 {
		dropPct := (state.CheckpointWinRate - state.TrailingWinRate()) * 100
		if dropPct >= policy.WinRateDropPct {
			return domain.Trigger{
				Type:      domain.TriggerWinRateDrop,
				Detail:    fmt.Sprintf("trailing win rate fell %.1f points since last check (threshold %.1f)", dropPct, policy.WinRateDropPct),
				Observed:  dropPct,
				Threshold: policy.WinRateDropPct,
			}, true
		}
	}
	return domain.Trigger{}, false
}

// reviewAccelerationFactor shortens the review cadence for agents on a
// losing streak.
const reviewAccelerationFactor = 0.6

// ReviewDue reports whether a scheduled strategy review is owed this round.
func ReviewDue(state domain.RuntimeState, policy domain.ReviewPolicy) bool {
	if policy.IntervalRounds <= 0 {
		return false
	}
	interval := policy.IntervalRounds
	if policy.AccelerateAfterLosses > 0 && state.ConsecutiveLosses > policy.AccelerateAfterLosses {
		interval = int(float64(interval) * reviewAccelerationFactor)
		if interval < 1 {
			interval = 1
		}
	}
	return state.Round-state.LastReviewRound >= interval
}

// Classify derives the lifecycle status from balance and burn rate. A zero
// balance is DEAD no matter what; funding revives DEAD agents; a manual
// PAUSED hold is never auto-resumed.
func Classify(current domain.LifecycleStatus, balance money.Amount, costs domain.CostStructure) domain.LifecycleStatus {
	if balance <= 0 {
		return domain.StatusDead
	}
	if current == domain.StatusPaused {
		return domain.StatusPaused
	}
	burn := EstimatedBurnPerRound(costs)
	if burn > 0 {
		runway := balance.Micros() / burn.Micros()
		if runway < lowFundsRunwayRounds {
			return domain.StatusLowFunds
		}
	}
	return domain.StatusActive
}

// EstimatedBurnPerRound approximates cost per round: upkeep plus the
// submission cost of the bid an awake agent places each round.
func EstimatedBurnPerRound(costs domain.CostStructure) money.Amount {
	return costs.UpkeepPerRound + costs.BidSubmission
}
