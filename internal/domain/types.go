package domain

// RunStatus represents the lifecycle state of a workflow run
type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunRunning      RunStatus = "running"
	RunSucceeded    RunStatus = "succeeded"
	RunFailed       RunStatus = "failed"
	RunDeadLettered RunStatus = "dead_lettered"
	RunCancelled    RunStatus = "cancelled"
)

// Terminal returns true if the status is a final state
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunDeadLettered, RunCancelled:
		return true
	}
	return false
}

// PhaseOutcome represents the result of a single phase attempt
type PhaseOutcome string

const (
	OutcomeSuccess PhaseOutcome = "success"
	OutcomeFailure PhaseOutcome = "failure"
	OutcomeError   PhaseOutcome = "error"
)

// ModelTier selects the capability class of the execution engine
type ModelTier string

const (
	TierStandard ModelTier = "standard"
	TierAdvanced ModelTier = "advanced"
)
