// Package settlement resolves one task's auction: it scores every pending
// bid against the bidder's current reputation, picks a winner, and
// persists the outcome.
package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"agora/internal/economy/autopilot"
	"agora/internal/economy/domain"
	"agora/internal/economy/ports"
	"agora/internal/shared/logging"
)

// Service settles auctions.
type Service struct {
	tasks  ports.TaskRepository
	bids   ports.BidRepository
	agents ports.AgentRepository
	audit  ports.AuditLog
	logger logging.Logger
	now    func() time.Time
}

// NewService constructs the settlement service.
func NewService(tasks ports.TaskRepository, bids ports.BidRepository, agents ports.AgentRepository, audit ports.AuditLog, logger logging.Logger) *Service {
	return &Service{
		tasks:  tasks,
		bids:   bids,
		agents: agents,
		audit:  audit,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// WithNow injects a deterministic clock for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ScoredBid pairs a bid with the score it settled at.
type ScoredBid struct {
	Bid   domain.Bid
	Score float64
}

// Result describes one settlement. Ranked holds every scored bid in
// descending order so downstream feedback can reference "my score vs the
// winner's".
type Result struct {
	TaskID         string
	Round          int
	Winner         *domain.Bid
	Ranked         []ScoredBid
	Expired        bool
	AlreadySettled bool
}

// Settle resolves the auction for one task. Settling a task that already
// left the open state is a no-op, which makes re-runs of a round's
// settlement stage idempotent. A task with zero bids expires.
func (s *Service) Settle(ctx context.Context, taskID string) (Result, error) {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if task.Status != domain.TaskOpen {
		s.logger.Debug("task %s already %s, skipping settlement", task.ID, task.Status)
		return Result{TaskID: task.ID, Round: task.Round, AlreadySettled: true}, nil
	}

	pending, err := s.bids.ListByTask(ctx, task.ID)
	if err != nil {
		return Result{}, err
	}
	if len(pending) == 0 {
		task.Status = domain.TaskExpired
		if _, err := s.tasks.Update(ctx, task); err != nil {
			return Result{}, err
		}
		return Result{TaskID: task.ID, Round: task.Round, Expired: true}, nil
	}

	// Scores always come from the bidder's current reputation, never a
	// value cached at submission time.
	ranked := make([]ScoredBid, 0, len(pending))
	for _, bid := range pending {
		agent, err := s.agents.FindByID(ctx, bid.AgentID)
		if err != nil {
			s.logger.Warn("bidder %s missing during settlement of %s: %v", bid.AgentID, task.ID, err)
			continue
		}
		ranked = append(ranked, ScoredBid{Bid: bid, Score: autopilot.Score(bid.Amount, agent.Reputation)})
	}
	if len(ranked) == 0 {
		task.Status = domain.TaskExpired
		if _, err := s.tasks.Update(ctx, task); err != nil {
			return Result{}, err
		}
		return Result{TaskID: task.ID, Round: task.Round, Expired: true}, nil
	}

	// Highest score wins; identical scores break by earliest submission,
	// then bid ID, so settlement is deterministic.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].Bid.SubmittedAt.Equal(ranked[j].Bid.SubmittedAt) {
			return ranked[i].Bid.SubmittedAt.Before(ranked[j].Bid.SubmittedAt)
		}
		return ranked[i].Bid.ID < ranked[j].Bid.ID
	})

	winner := ranked[0].Bid
	winner.Status = domain.BidWon
	winner.Score = ranked[0].Score
	if _, err := s.bids.Update(ctx, winner); err != nil {
		return Result{}, err
	}
	for i := 1; i < len(ranked); i++ {
		lost := ranked[i].Bid
		lost.Status = domain.BidLost
		lost.Score = ranked[i].Score
		if _, err := s.bids.Update(ctx, lost); err != nil {
			s.logger.Warn("marking bid %s lost: %v", lost.ID, err)
		}
		ranked[i].Bid = lost
	}
	ranked[0].Bid = winner

	task.Status = domain.TaskAssigned
	task.AssignedTo = winner.AgentID
	task.WinningBid = winner.Amount
	if _, err := s.tasks.Update(ctx, task); err != nil {
		return Result{}, err
	}

	if _, err := s.audit.Append(ctx, domain.AuditEvent{
		ID:      uuid.NewString(),
		Kind:    domain.AuditSettlement,
		AgentID: winner.AgentID,
		TaskID:  task.ID,
		Round:   task.Round,
		Amount:  winner.Amount,
		Detail:  fmt.Sprintf("won auction with score %.1f against %d bids", winner.Score, len(ranked)),
		CreatedAt: s.now(),
	}); err != nil {
		s.logger.Warn("audit append for task %s: %v", task.ID, err)
	}

	s.logger.Debug("task %s assigned to %s at %s (score %.1f, %d bids)",
		task.ID, winner.AgentID, winner.Amount, winner.Score, len(ranked))

	return Result{TaskID: task.ID, Round: task.Round, Winner: &winner, Ranked: ranked}, nil
}
