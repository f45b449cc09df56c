package domain

import (
	"time"

	"agora/internal/money"
)

// AgentType identifies the role an agent plays in the market. Agents only
// bid on tasks posted for their own type, and same-type agents are always
// competitors.
type AgentType string

const (
	// AgentTypeCatalog sells catalog listing and enrichment work.
	AgentTypeCatalog AgentType = "catalog"
	// AgentTypeCourier sells delivery and fulfilment work.
	AgentTypeCourier AgentType = "courier"
	// AgentTypeAnalyst sells pricing and market-analysis work.
	AgentTypeAnalyst AgentType = "analyst"
	// AgentTypeWorkshop sells production and repair work.
	AgentTypeWorkshop AgentType = "workshop"
)

// IsValid reports whether the type is one of the known roles.
func (t AgentType) IsValid() bool {
	switch t {
	case AgentTypeCatalog, AgentTypeCourier, AgentTypeAnalyst, AgentTypeWorkshop:
		return true
	}
	return false
}

// LifecycleStatus is the derived funding state of an agent. Callers never
// set it directly; classification owns every transition.
type LifecycleStatus string

const (
	// StatusActive indicates a funded, bidding agent.
	StatusActive LifecycleStatus = "active"
	// StatusLowFunds indicates runway below the warning threshold.
	StatusLowFunds LifecycleStatus = "low_funds"
	// StatusDead indicates a zero balance; the agent is out of the market.
	StatusDead LifecycleStatus = "dead"
	// StatusPaused indicates a manual hold that is never auto-resumed.
	StatusPaused LifecycleStatus = "paused"
)

// ReputationMax bounds the reputation quality signal.
const ReputationMax = 5.0

// CostStructure captures what it costs an agent to operate, all as
// fixed-point amounts plus the amortization knobs for the all-in floor.
type CostStructure struct {
	// Execution is the cost of performing one won task.
	Execution money.Amount
	// BidSubmission is charged for every bid placed, win or lose.
	BidSubmission money.Amount
	// UpkeepPerRound is the flat fee debited every round.
	UpkeepPerRound money.Amount
	// WakeRate estimates rounds of upkeep burned per task won, used to
	// amortize upkeep into the per-task break-even floor.
	WakeRate float64
	// AdvisorInvocation is the cost of one strategic-advisor call.
	AdvisorInvocation money.Amount
	// AdvisorInterval estimates tasks completed between advisor calls.
	AdvisorInterval int
}

// Agent is a selling participant in the market.
type Agent struct {
	ID          string
	Name        string
	Type        AgentType
	Wallet      string
	Balance     money.Amount
	Reputation  float64
	Status      LifecycleStatus
	Costs       CostStructure
	InvestorBps int64 // basis points of post-platform profit owed to token holders
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PartnershipPolicy configures how partnership proposals are screened.
type PartnershipPolicy struct {
	// MinReputation a proposer must clear for auto-accept.
	MinReputation float64
	// MinOwnSplit is the lowest acceptable fraction of joint revenue kept
	// by this agent.
	MinOwnSplit float64
	// EscalateReputation routes high-value proposers to the advisor even
	// when the split does not clear auto-accept.
	EscalateReputation float64
	// Blocklist holds agent IDs that are always rejected.
	Blocklist []string
}

// ExceptionPolicy configures the thresholds that force an out-of-cycle
// strategic re-plan.
type ExceptionPolicy struct {
	MaxConsecutiveLosses int
	BalanceFloor         money.Amount
	// ReputationDrop is the decline since the last checkpoint that fires.
	ReputationDrop float64
	// WinRateDropPct is the trailing win-rate decline, in percentage
	// points, since the last checkpoint that fires.
	WinRateDropPct float64
}

// ReviewPolicy configures scheduled strategy reviews.
type ReviewPolicy struct {
	// IntervalRounds is the base cadence between reviews.
	IntervalRounds int
	// AccelerateAfterLosses shortens the cadence once the consecutive-loss
	// count exceeds it.
	AccelerateAfterLosses int
}

// Policy is an agent's versioned strategy configuration. Policies are
// immutable once written; changes append a new version.
type Policy struct {
	ID           string
	AgentID      string
	Version      int
	TargetMargin float64 // fractional markup over all-in cost, e.g. 0.12
	MinMargin    float64 // floor markup below which a task is skipped
	BidFloor     money.Amount
	Partnership  PartnershipPolicy
	Exceptions   ExceptionPolicy
	Review       ReviewPolicy
	// Note records the reasoning that produced this version.
	Note      string
	CreatedAt time.Time
}

// TaskStatus tracks a task through the auction lifecycle.
type TaskStatus string

const (
	TaskOpen      TaskStatus = "open"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
	TaskExpired   TaskStatus = "expired"
)

// Task is a unit of sellable work posted to the market.
type Task struct {
	ID          string
	Title       string
	Type        AgentType
	MaxBid      money.Amount // ceiling; bids above it are unacceptable
	Status      TaskStatus
	Round       int // round the task was posted in
	AssignedTo  string
	WinningBid  money.Amount
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// BidStatus tracks a bid through settlement.
type BidStatus string

const (
	BidPending BidStatus = "pending"
	BidWon     BidStatus = "won"
	BidLost    BidStatus = "lost"
)

// Bid is one agent's offer on one task. At most one bid per agent per task,
// and at most one bid per agent per round across all open tasks.
type Bid struct {
	ID          string
	TaskID      string
	AgentID     string
	Amount      money.Amount
	Score       float64
	Status      BidStatus
	Round       int
	Reasoning   string
	SubmittedAt time.Time
}

// TrailingWindow is how many recent outcomes feed the trailing win rate.
const TrailingWindow = 20

// RuntimeState carries the per-agent counters the engine needs between
// rounds. Checkpoint fields measure drift since the last exception check,
// not since agent creation.
type RuntimeState struct {
	AgentID            string
	Round              int
	ConsecutiveWins    int
	ConsecutiveLosses  int
	LifetimeWins       int
	LifetimeLosses     int
	TrailingOutcomes   []bool // most recent last, capped at TrailingWindow
	LifetimeRevenue    money.Amount
	LifetimeCost       money.Amount
	AdvisorCalls       int
	AdvisorSpend       money.Amount
	CheckpointRep      float64
	CheckpointWinRate  float64
	LastReviewRound    int
	LastTriggerRound   int
	LastDecision       *DecisionSnapshot
	UpdatedAt          time.Time
}

// RecordOutcome folds one settlement outcome into the streaks and trailing
// window.
func (s *RuntimeState) RecordOutcome(won bool) {
	if won {
		s.ConsecutiveWins++
		s.ConsecutiveLosses = 0
		s.LifetimeWins++
	} else {
		s.ConsecutiveLosses++
		s.ConsecutiveWins = 0
		s.LifetimeLosses++
	}
	s.TrailingOutcomes = append(s.TrailingOutcomes, won)
	if len(s.TrailingOutcomes) > TrailingWindow {
		s.TrailingOutcomes = s.TrailingOutcomes[len(s.TrailingOutcomes)-TrailingWindow:]
	}
}

// TrailingWinRate returns the win fraction over the trailing window, or 0
// when no outcomes are recorded yet.
func (s *RuntimeState) TrailingWinRate() float64 {
	if len(s.TrailingOutcomes) == 0 {
		return 0
	}
	wins := 0
	for _, won := range s.TrailingOutcomes {
		if won {
			wins++
		}
	}
	return float64(wins) / float64(len(s.TrailingOutcomes))
}

// DecisionSnapshot records the metrics in force when a strategy decision
// was applied, enabling effect-of-last-decision feedback.
type DecisionSnapshot struct {
	Round      int
	Trigger    TriggerType
	Balance    money.Amount
	Reputation float64
	WinRate    float64
	Summary    string
}

// TriggerType classifies why a strategic re-plan fired.
type TriggerType string

const (
	TriggerConsecutiveLosses TriggerType = "consecutive_losses"
	TriggerLowBalance        TriggerType = "low_balance"
	TriggerReputationDrop    TriggerType = "reputation_drop"
	TriggerWinRateDrop       TriggerType = "win_rate_drop"
	TriggerScheduledReview   TriggerType = "scheduled_review"
)

// Trigger is a transient policy-threshold breach. Only its resolution is
// persisted, as a DecisionRecord.
type Trigger struct {
	Type      TriggerType
	Detail    string
	Observed  float64
	Threshold float64
}

// PartnershipProposal is an inbound offer from another agent to split work.
type PartnershipProposal struct {
	ProposerID         string
	ProposerType       AgentType
	ProposerReputation float64
	// OfferedSplit is the fraction of joint revenue offered to the
	// receiving side.
	OfferedSplit float64
	Message      string
}

// TokenHolding records one investor's stake in an agent.
type TokenHolding struct {
	AgentID  string
	HolderID string
	Tokens   int64
}

// MarketSnapshot aggregates one round's market for advisor context and
// reporting.
type MarketSnapshot struct {
	Round        int
	OpenTasks    int
	AvgCeiling   money.Amount
	ActiveAgents map[AgentType]int
}
