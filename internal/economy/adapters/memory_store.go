package adapters

import (
	"context"
	"sort"
	"sync"

	"agora/internal/economy/domain"
	"agora/internal/money"
)

// MemoryStores bundles every in-memory repository backing the engine.
type MemoryStores struct {
	Agents    *memoryAgentRepo
	Policies  *memoryPolicyRepo
	Tasks     *memoryTaskRepo
	Bids      *memoryBidRepo
	Runtime   *memoryRuntimeRepo
	Holdings  *memoryHoldingRepo
	Escrow    *memoryEscrowLedger
	Audit     *memoryAuditLog
	Decisions *memoryDecisionHistory
}

// NewMemoryStores creates repositories backed by in-memory maps.
func NewMemoryStores() *MemoryStores {
	return &MemoryStores{
		Agents:    &memoryAgentRepo{agents: map[string]domain.Agent{}},
		Policies:  &memoryPolicyRepo{versions: map[string][]domain.Policy{}},
		Tasks:     &memoryTaskRepo{tasks: map[string]domain.Task{}},
		Bids:      &memoryBidRepo{bids: map[string]domain.Bid{}, taskIdx: map[string][]string{}, roundIdx: map[string]map[int]bool{}},
		Runtime:   &memoryRuntimeRepo{states: map[string]domain.RuntimeState{}},
		Holdings:  &memoryHoldingRepo{holdings: map[string][]domain.TokenHolding{}},
		Escrow:    &memoryEscrowLedger{entries: map[string][]domain.EscrowEntry{}},
		Audit:     &memoryAuditLog{},
		Decisions: &memoryDecisionHistory{records: map[string][]domain.DecisionRecord{}},
	}
}

type memoryAgentRepo struct {
	mu     sync.RWMutex
	agents map[string]domain.Agent
}

func (r *memoryAgentRepo) Create(_ context.Context, agent domain.Agent) (domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = agent
	return agent, nil
}

func (r *memoryAgentRepo) Update(_ context.Context, agent domain.Agent) (domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.ID]; !exists {
		return domain.Agent{}, domain.ErrAgentNotFound
	}
	r.agents[agent.ID] = agent
	return agent, nil
}

func (r *memoryAgentRepo) FindByID(_ context.Context, id string) (domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if agent, ok := r.agents[id]; ok {
		return agent, nil
	}
	return domain.Agent{}, domain.ErrAgentNotFound
}

func (r *memoryAgentRepo) List(_ context.Context) ([]domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]domain.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

type memoryPolicyRepo struct {
	mu       sync.RWMutex
	versions map[string][]domain.Policy
}

func (r *memoryPolicyRepo) Append(_ context.Context, policy domain.Policy) (domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := r.versions[policy.AgentID]
	policy.Version = len(history) + 1
	r.versions[policy.AgentID] = append(history, policy)
	return policy, nil
}

func (r *memoryPolicyRepo) Current(_ context.Context, agentID string) (domain.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.versions[agentID]
	if len(history) == 0 {
		return domain.Policy{}, domain.ErrPolicyNotFound
	}
	return history[len(history)-1], nil
}

func (r *memoryPolicyRepo) History(_ context.Context, agentID string) ([]domain.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.versions[agentID]
	out := make([]domain.Policy, len(history))
	copy(out, history)
	return out, nil
}

type memoryTaskRepo struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

func (r *memoryTaskRepo) Create(_ context.Context, task domain.Task) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return task, nil
}

func (r *memoryTaskRepo) Update(_ context.Context, task domain.Task) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.ID]; !exists {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	r.tasks[task.ID] = task
	return task, nil
}

func (r *memoryTaskRepo) FindByID(_ context.Context, id string) (domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if task, ok := r.tasks[id]; ok {
		return task, nil
	}
	return domain.Task{}, domain.ErrTaskNotFound
}

func (r *memoryTaskRepo) ListOpen(ctx context.Context) ([]domain.Task, error) {
	return r.ListByStatus(ctx, domain.TaskOpen)
}

func (r *memoryTaskRepo) ListByStatus(_ context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var tasks []domain.Task
	for _, task := range r.tasks {
		if task.Status == status {
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

type memoryBidRepo struct {
	mu       sync.RWMutex
	bids     map[string]domain.Bid
	taskIdx  map[string][]string
	roundIdx map[string]map[int]bool
}

func (r *memoryBidRepo) Create(_ context.Context, bid domain.Bid) (domain.Bid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.taskIdx[bid.TaskID] {
		if r.bids[id].AgentID == bid.AgentID {
			return domain.Bid{}, domain.ErrDuplicateBid
		}
	}
	r.bids[bid.ID] = bid
	r.taskIdx[bid.TaskID] = append(r.taskIdx[bid.TaskID], bid.ID)
	if r.roundIdx[bid.AgentID] == nil {
		r.roundIdx[bid.AgentID] = map[int]bool{}
	}
	r.roundIdx[bid.AgentID][bid.Round] = true
	return bid, nil
}

func (r *memoryBidRepo) Update(_ context.Context, bid domain.Bid) (domain.Bid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bids[bid.ID]; !exists {
		return domain.Bid{}, domain.ErrBidNotFound
	}
	r.bids[bid.ID] = bid
	return bid, nil
}

func (r *memoryBidRepo) ListByTask(_ context.Context, taskID string) ([]domain.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.taskIdx[taskID]
	bids := make([]domain.Bid, 0, len(ids))
	for _, id := range ids {
		bids = append(bids, r.bids[id])
	}
	return bids, nil
}

func (r *memoryBidRepo) HasBidInRound(_ context.Context, agentID string, round int) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roundIdx[agentID][round], nil
}

type memoryRuntimeRepo struct {
	mu     sync.RWMutex
	states map[string]domain.RuntimeState
}

func (r *memoryRuntimeRepo) Get(_ context.Context, agentID string) (domain.RuntimeState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if state, ok := r.states[agentID]; ok {
		return state, nil
	}
	return domain.RuntimeState{}, domain.ErrRuntimeNotFound
}

func (r *memoryRuntimeRepo) Save(_ context.Context, state domain.RuntimeState) (domain.RuntimeState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.AgentID] = state
	return state, nil
}

type memoryHoldingRepo struct {
	mu       sync.RWMutex
	holdings map[string][]domain.TokenHolding
}

// SetHoldings replaces the holder set for an agent; used when seeding.
func (r *memoryHoldingRepo) SetHoldings(agentID string, holdings []domain.TokenHolding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holdings[agentID] = holdings
}

func (r *memoryHoldingRepo) ListByAgent(_ context.Context, agentID string) ([]domain.TokenHolding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	holdings := r.holdings[agentID]
	out := make([]domain.TokenHolding, len(holdings))
	copy(out, holdings)
	return out, nil
}

type memoryEscrowLedger struct {
	mu      sync.RWMutex
	entries map[string][]domain.EscrowEntry
}

func (r *memoryEscrowLedger) AppendEntry(_ context.Context, entry domain.EscrowEntry) (domain.EscrowEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := r.entries[entry.HolderID]
	var balance money.Amount
	if len(history) > 0 {
		balance = history[len(history)-1].BalanceAfter
	}
	entry.BalanceAfter = balance + entry.Amount
	r.entries[entry.HolderID] = append(history, entry)
	return entry, nil
}

func (r *memoryEscrowLedger) ListEntries(_ context.Context, holderID string, limit int) ([]domain.EscrowEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.entries[holderID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]domain.EscrowEntry, len(history))
	copy(out, history)
	return out, nil
}

func (r *memoryEscrowLedger) LatestBalance(_ context.Context, holderID string) (money.Amount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.entries[holderID]
	if len(history) == 0 {
		return 0, nil
	}
	return history[len(history)-1].BalanceAfter, nil
}

type memoryAuditLog struct {
	mu     sync.RWMutex
	events []domain.AuditEvent
}

func (r *memoryAuditLog) Append(_ context.Context, event domain.AuditEvent) (domain.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return event, nil
}

func (r *memoryAuditLog) ListByAgent(_ context.Context, agentID string, limit int) ([]domain.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.AuditEvent
	for _, event := range r.events {
		if event.AgentID == agentID {
			out = append(out, event)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *memoryAuditLog) ListByRound(_ context.Context, round int) ([]domain.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.AuditEvent
	for _, event := range r.events {
		if event.Round == round {
			out = append(out, event)
		}
	}
	return out, nil
}

type memoryDecisionHistory struct {
	mu      sync.RWMutex
	records map[string][]domain.DecisionRecord
}

func (r *memoryDecisionHistory) Append(_ context.Context, record domain.DecisionRecord) (domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.AgentID] = append(r.records[record.AgentID], record)
	return record, nil
}

func (r *memoryDecisionHistory) ListByAgent(_ context.Context, agentID string, limit int) ([]domain.DecisionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.records[agentID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]domain.DecisionRecord, len(history))
	copy(out, history)
	return out, nil
}
