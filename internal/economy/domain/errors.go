package domain

import "errors"

var (
	// ErrAgentNotFound indicates the referenced agent does not exist.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrPolicyNotFound indicates the agent has no policy version yet.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrTaskNotFound indicates the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrBidNotFound indicates the referenced bid does not exist.
	ErrBidNotFound = errors.New("bid not found")
	// ErrRuntimeNotFound indicates no runtime state exists for the agent.
	ErrRuntimeNotFound = errors.New("runtime state not found")
	// ErrDuplicateBid indicates the agent already bid on the task.
	ErrDuplicateBid = errors.New("duplicate bid for task")
	// ErrTaskNotOpen indicates a settlement was attempted on a task that
	// already left the open state.
	ErrTaskNotOpen = errors.New("task is not open")
)
