package ports

import (
	"context"

	"agora/internal/economy/domain"
	"agora/internal/money"
)

// AgentRepository abstracts persistence for agent records. Each unit of
// work in a round stage is the sole mutator of its own agent row, so plain
// row-level updates are all the engine needs. Background writers must
// re-load the row right before updating it.
type AgentRepository interface {
	Create(ctx context.Context, agent domain.Agent) (domain.Agent, error)
	Update(ctx context.Context, agent domain.Agent) (domain.Agent, error)
	FindByID(ctx context.Context, id string) (domain.Agent, error)
	List(ctx context.Context) ([]domain.Agent, error)
}

// PolicyRepository stores append-only policy versions. Current is simply
// the highest version; concurrent writers race at last-write-wins, which
// is acceptable for this data.
type PolicyRepository interface {
	Append(ctx context.Context, policy domain.Policy) (domain.Policy, error)
	Current(ctx context.Context, agentID string) (domain.Policy, error)
	History(ctx context.Context, agentID string) ([]domain.Policy, error)
}

// TaskRepository abstracts persistence for market tasks.
type TaskRepository interface {
	Create(ctx context.Context, task domain.Task) (domain.Task, error)
	Update(ctx context.Context, task domain.Task) (domain.Task, error)
	FindByID(ctx context.Context, id string) (domain.Task, error)
	ListOpen(ctx context.Context) ([]domain.Task, error)
	ListByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error)
}

// BidRepository abstracts persistence for bids. HasBidInRound enforces the
// one-bid-per-agent-per-round market rule.
type BidRepository interface {
	Create(ctx context.Context, bid domain.Bid) (domain.Bid, error)
	Update(ctx context.Context, bid domain.Bid) (domain.Bid, error)
	ListByTask(ctx context.Context, taskID string) ([]domain.Bid, error)
	HasBidInRound(ctx context.Context, agentID string, round int) (bool, error)
}

// RuntimeRepository stores per-agent runtime counters.
type RuntimeRepository interface {
	Get(ctx context.Context, agentID string) (domain.RuntimeState, error)
	Save(ctx context.Context, state domain.RuntimeState) (domain.RuntimeState, error)
}

// HoldingRepository exposes the current token holders of an agent.
type HoldingRepository interface {
	ListByAgent(ctx context.Context, agentID string) ([]domain.TokenHolding, error)
}

// EscrowLedger stores immutable investor credit rows and exposes balance
// helpers.
type EscrowLedger interface {
	AppendEntry(ctx context.Context, entry domain.EscrowEntry) (domain.EscrowEntry, error)
	ListEntries(ctx context.Context, holderID string, limit int) ([]domain.EscrowEntry, error)
	LatestBalance(ctx context.Context, holderID string) (money.Amount, error)
}

// AuditLog is the append-only monetary audit trail.
type AuditLog interface {
	Append(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]domain.AuditEvent, error)
	ListByRound(ctx context.Context, round int) ([]domain.AuditEvent, error)
}

// DecisionHistory stores the immutable record of strategy decisions.
type DecisionHistory interface {
	Append(ctx context.Context, record domain.DecisionRecord) (domain.DecisionRecord, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]domain.DecisionRecord, error)
}

// Journal receives best-effort narrative entries. Callers fire and forget;
// errors are logged at the boundary and never observed by the round.
type Journal interface {
	Record(ctx context.Context, entry domain.JournalEntry) error
}

// PaymentReceipt is the payment rail's answer to a transfer request.
// Settled=false means the ledger-side distribution succeeded while the
// on-chain leg is pending or failed; the missing hash is recorded for
// later reconciliation.
type PaymentReceipt struct {
	Settled bool
	TxHash  string
}

// PaymentRail encapsulates the external on-chain transfer boundary.
type PaymentRail interface {
	Pay(ctx context.Context, fromWallet, toWallet string, amount money.Amount) (PaymentReceipt, error)
}

// AdvisorRequest is the full context handed to the strategic advisor when
// a trigger fires.
type AdvisorRequest struct {
	AgentID string
	Trigger domain.Trigger
	Context AdvisorContext
}

// AdvisorContext is the structured snapshot the advisor reasons over.
type AdvisorContext struct {
	AgentName         string
	Type              domain.AgentType
	Balance           money.Amount
	Reputation        float64
	TrailingWinRate   float64
	ConsecutiveLosses int
	LifetimeWins      int
	LifetimeLosses    int
	Round             int
	Policy            domain.Policy
	Market            domain.MarketSnapshot
	LastDecision      *domain.DecisionSnapshot
}

// PolicyDelta is the partial policy update an advisor may return. Nil
// fields leave the current value untouched.
type PolicyDelta struct {
	TargetMargin    *float64
	MinMargin       *float64
	BidFloor        *money.Amount
	ReviewInterval  *int
	BlocklistAdd    []string
	BlocklistRemove []string
}

// IsZero reports whether the delta changes nothing.
func (d PolicyDelta) IsZero() bool {
	return d.TargetMargin == nil && d.MinMargin == nil && d.BidFloor == nil &&
		d.ReviewInterval == nil && len(d.BlocklistAdd) == 0 && len(d.BlocklistRemove) == 0
}

// PartnershipAction is an advisor-directed partnership move.
type PartnershipAction struct {
	Action    string // "propose", "accept", "reject", "dissolve"
	PartnerID string
	// OfferedSplit is the revenue fraction offered to our side, when the
	// advisor names one.
	OfferedSplit float64
	Reason       string
}

// AdvisorResponse is the advisor's structured answer.
type AdvisorResponse struct {
	Delta        PolicyDelta
	Reasoning    string
	Partnerships []PartnershipAction
	Narrative    string
}

// Advisor is the strategic-reasoning boundary. Implementations bound their
// own time budget; callers fall back deterministically on error.
type Advisor interface {
	Invoke(ctx context.Context, req AdvisorRequest) (AdvisorResponse, error)
}
