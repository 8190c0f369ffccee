package domain

import (
	"time"

	"github.com/google/uuid"
)

// PortPair is the two network ports reserved for a slot
type PortPair struct {
	A int `json:"a"`
	B int `json:"b"`
}

// WorkflowRun represents one end-to-end execution of a pipeline
type WorkflowRun struct {
	ID        string    `json:"id"`
	Pipeline  string    `json:"pipeline"`
	Phase     string    `json:"phase"`
	Status    RunStatus `json:"status"`
	Version   int64     `json:"version"`
	SlotIndex int       `json:"slot_index"` // -1 when no slot is held
	Ports     *PortPair `json:"ports,omitempty"`
	Ancestors []string  `json:"ancestors,omitempty"`
	ItemRef   string    `json:"item_ref"`
	Tier      ModelTier `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRun creates a pending run for the given pipeline and work item
func NewRun(pipeline, itemRef string, tier ModelTier) *WorkflowRun {
	now := time.Now().UTC()
	if tier == "" {
		tier = TierStandard
	}
	return &WorkflowRun{
		ID:        uuid.NewString(),
		Pipeline:  pipeline,
		Status:    RunPending,
		SlotIndex: -1,
		ItemRef:   itemRef,
		Tier:      tier,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// WithAncestor returns a child run that continues the given run's chain
func (r *WorkflowRun) WithAncestor() *WorkflowRun {
	child := NewRun(r.Pipeline, r.ItemRef, r.Tier)
	child.Ancestors = append(append([]string{}, r.Ancestors...), r.ID)
	return child
}

// HoldsSlot returns true if the run currently occupies an execution slot
func (r *WorkflowRun) HoldsSlot() bool {
	return r.SlotIndex >= 0
}

// PhaseRecord is one attempt of one phase, append-only per run
type PhaseRecord struct {
	RunID     string        `json:"run_id"`
	Phase     string        `json:"phase"`
	Attempt   int           `json:"attempt"`
	SessionID string        `json:"session_id"`
	Outcome   PhaseOutcome  `json:"outcome"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// DeadLetterEntry records a run that exhausted all automatic recovery
type DeadLetterEntry struct {
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase"`
	Request   string    `json:"request"` // serialized engine request
	ErrorText string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}
