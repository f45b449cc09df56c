package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"agora/internal/economy/domain"
	"agora/internal/money"
)

// Scenario seeds a simulated market: the agent population with their cost
// structures and starting policies, investor holdings, and the task flow.
type Scenario struct {
	Name   string      `yaml:"name"`
	Rounds int         `yaml:"rounds"`
	Agents []AgentSeed `yaml:"agents"`
	Tasks  TaskFlow    `yaml:"tasks"`
}

// AgentSeed describes one agent at round zero. Monetary fields are dollars
// in the file and converted to fixed-point on load.
type AgentSeed struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Type        string     `yaml:"type"`
	Balance     float64    `yaml:"balance"`
	Reputation  float64    `yaml:"reputation"`
	InvestorBps int64      `yaml:"investor_bps"`
	Costs       CostSeed   `yaml:"costs"`
	Policy      PolicySeed `yaml:"policy"`
	Holders     []Holder   `yaml:"holders"`
}

// CostSeed mirrors domain.CostStructure in dollars.
type CostSeed struct {
	Execution         float64 `yaml:"execution"`
	BidSubmission     float64 `yaml:"bid_submission"`
	UpkeepPerRound    float64 `yaml:"upkeep_per_round"`
	WakeRate          float64 `yaml:"wake_rate"`
	AdvisorInvocation float64 `yaml:"advisor_invocation"`
	AdvisorInterval   int     `yaml:"advisor_interval"`
}

// PolicySeed is the agent's version-1 policy.
type PolicySeed struct {
	TargetMargin float64 `yaml:"target_margin"`
	MinMargin    float64 `yaml:"min_margin"`
	BidFloor     float64 `yaml:"bid_floor"`
	Exceptions   struct {
		MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
		BalanceFloor         float64 `yaml:"balance_floor"`
		ReputationDrop       float64 `yaml:"reputation_drop"`
		WinRateDropPct       float64 `yaml:"win_rate_drop_pct"`
	} `yaml:"exceptions"`
	Review struct {
		IntervalRounds        int `yaml:"interval_rounds"`
		AccelerateAfterLosses int `yaml:"accelerate_after_losses"`
	} `yaml:"review"`
}

// Holder is one investor stake.
type Holder struct {
	ID     string `yaml:"id"`
	Tokens int64  `yaml:"tokens"`
}

// TaskFlow describes how many tasks enter the market each round and at
// what price ceilings.
type TaskFlow struct {
	PerRound int       `yaml:"per_round"`
	Types    []TaskMix `yaml:"types"`
}

// TaskMix is the ceiling band for one task type.
type TaskMix struct {
	Type       string  `yaml:"type"`
	CeilingMin float64 `yaml:"ceiling_min"`
	CeilingMax float64 `yaml:"ceiling_max"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("reading scenario %s: %w", path, err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Scenario{}, fmt.Errorf("scenario %s: %w", path, err)
	}
	return s, nil
}

// Validate rejects scenarios that cannot seed a runnable market.
func (s Scenario) Validate() error {
	if s.Rounds < 1 {
		return fmt.Errorf("rounds must be at least 1")
	}
	if len(s.Agents) == 0 {
		return fmt.Errorf("at least one agent required")
	}
	seen := make(map[string]bool, len(s.Agents))
	for i, a := range s.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent %d: id required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agent id %q duplicated", a.ID)
		}
		seen[a.ID] = true
		if !domain.AgentType(a.Type).IsValid() {
			return fmt.Errorf("agent %s: unknown type %q", a.ID, a.Type)
		}
		if a.Balance < 0 {
			return fmt.Errorf("agent %s: balance must not be negative", a.ID)
		}
		if a.Policy.TargetMargin <= 0 || a.Policy.TargetMargin >= 1 {
			return fmt.Errorf("agent %s: target_margin %v out of range (0, 1)", a.ID, a.Policy.TargetMargin)
		}
		if a.Policy.MinMargin < 0 || a.Policy.MinMargin > a.Policy.TargetMargin {
			return fmt.Errorf("agent %s: min_margin %v must be within [0, target_margin]", a.ID, a.Policy.MinMargin)
		}
		if a.Costs.Execution <= 0 {
			return fmt.Errorf("agent %s: execution cost must be positive", a.ID)
		}
	}
	if s.Tasks.PerRound > 0 && len(s.Tasks.Types) == 0 {
		return fmt.Errorf("tasks.types required when tasks.per_round is set")
	}
	for i, mix := range s.Tasks.Types {
		if !domain.AgentType(mix.Type).IsValid() {
			return fmt.Errorf("tasks.types[%d]: unknown type %q", i, mix.Type)
		}
		if mix.CeilingMin <= 0 || mix.CeilingMax < mix.CeilingMin {
			return fmt.Errorf("tasks.types[%d]: ceiling band [%v, %v] invalid", i, mix.CeilingMin, mix.CeilingMax)
		}
	}
	return nil
}

// Agent converts a seed into the domain record.
func (a AgentSeed) Agent(now time.Time) domain.Agent {
	return domain.Agent{
		ID:         a.ID,
		Name:       a.Name,
		Type:       domain.AgentType(a.Type),
		Wallet:     "wallet-" + a.ID,
		Balance:    money.FromDollars(a.Balance),
		Reputation: a.Reputation,
		Status:     domain.StatusActive,
		Costs: domain.CostStructure{
			Execution:         money.FromDollars(a.Costs.Execution),
			BidSubmission:     money.FromDollars(a.Costs.BidSubmission),
			UpkeepPerRound:    money.FromDollars(a.Costs.UpkeepPerRound),
			WakeRate:          a.Costs.WakeRate,
			AdvisorInvocation: money.FromDollars(a.Costs.AdvisorInvocation),
			AdvisorInterval:   a.Costs.AdvisorInterval,
		},
		InvestorBps: a.InvestorBps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// DomainPolicy converts a seed into the agent's version-1 policy.
func (a AgentSeed) DomainPolicy(now time.Time) domain.Policy {
	return domain.Policy{
		AgentID:      a.ID,
		TargetMargin: a.Policy.TargetMargin,
		MinMargin:    a.Policy.MinMargin,
		BidFloor:     money.FromDollars(a.Policy.BidFloor),
		Exceptions: domain.ExceptionPolicy{
			MaxConsecutiveLosses: a.Policy.Exceptions.MaxConsecutiveLosses,
			BalanceFloor:         money.FromDollars(a.Policy.Exceptions.BalanceFloor),
			ReputationDrop:       a.Policy.Exceptions.ReputationDrop,
			WinRateDropPct:       a.Policy.Exceptions.WinRateDropPct,
		},
		Review: domain.ReviewPolicy{
			IntervalRounds:        a.Policy.Review.IntervalRounds,
			AccelerateAfterLosses: a.Policy.Review.AccelerateAfterLosses,
		},
		Note:      "initial policy",
		CreatedAt: now,
	}
}

// Holdings converts the seed's holder list.
func (a AgentSeed) Holdings() []domain.TokenHolding {
	out := make([]domain.TokenHolding, 0, len(a.Holders))
	for _, h := range a.Holders {
		out = append(out, domain.TokenHolding{AgentID: a.ID, HolderID: h.ID, Tokens: h.Tokens})
	}
	return out
}
