package domain

import (
	"time"

	"agora/internal/money"
)

// AuditKind classifies audit log entries.
type AuditKind string

const (
	AuditSettlement   AuditKind = "settlement"
	AuditDistribution AuditKind = "distribution"
	AuditUpkeep       AuditKind = "upkeep"
	AuditBidFee       AuditKind = "bid_fee"
	AuditEscrow       AuditKind = "escrow"
	AuditAdvisor      AuditKind = "advisor"
	AuditLifecycle    AuditKind = "lifecycle"
	AuditPayment      AuditKind = "payment"
)

// AuditEvent is one append-only entry in the monetary audit trail. Entries
// carry enough detail to reconstruct a balance trajectory independent of
// whether each external leg succeeded.
type AuditEvent struct {
	ID        string
	Kind      AuditKind
	AgentID   string
	TaskID    string
	Round     int
	Amount    money.Amount
	Detail    string
	TxHash    string // empty when the on-chain leg is pending or failed
	CreatedAt time.Time
}

// EscrowEntry is one immutable credit to an investor's escrow ledger.
// Investor profit shares accrue here rather than paying holders directly,
// which shields investor funds from agent insolvency.
type EscrowEntry struct {
	ID           string
	HolderID     string
	AgentID      string
	TaskID       string
	Amount       money.Amount
	BalanceAfter money.Amount
	CreatedAt    time.Time
}

// DecisionRecord is the immutable history entry written after every
// exception or review is handled, whether the advisor or the deterministic
// fallback produced the correction.
type DecisionRecord struct {
	ID          string
	AgentID     string
	Round       int
	Trigger     Trigger
	Source      DecisionSource
	Delta       string // human-readable description of the applied change
	Reasoning   string
	NewVersion  int // policy version the decision produced
	CreatedAt   time.Time
}

// DecisionSource says what produced a decision.
type DecisionSource string

const (
	DecisionSourceAdvisor  DecisionSource = "advisor"
	DecisionSourceFallback DecisionSource = "fallback"
)

// JournalEntry is a best-effort narrative note. Journal writes are
// fire-and-forget; failures are logged and swallowed.
type JournalEntry struct {
	AgentID   string
	Round     int
	Category  string
	Text      string
	CreatedAt time.Time
}
