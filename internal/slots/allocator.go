// Package slots manages the fixed pool of isolated execution slots. Each
// slot owns a workspace directory and a deterministic pair of network
// ports; at most one run occupies a slot at any instant.
package slots

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"github.com/hochfrequenz/runforge/internal/domain"
	"github.com/rs/zerolog"
)

// Slot is a snapshot of one pool entry
type Slot struct {
	Index     int             `json:"index"`
	RunID     string          `json:"run_id"`
	Workspace string          `json:"workspace"`
	Ports     domain.PortPair `json:"ports"`
}

// Pool is the fixed-size slot allocator
type Pool struct {
	size      int
	basePortA int
	basePortB int
	root      string
	log       zerolog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	occupants []string       // run id per slot index, "" when free
	byRun     map[string]int // run id -> held slot index
}

// NewPool creates a pool of size slots rooted at the given workspace dir
func NewPool(size, basePortA, basePortB int, root string, log zerolog.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	p := &Pool{
		size:      size,
		basePortA: basePortA,
		basePortB: basePortB,
		root:      root,
		log:       log.With().Str("component", "slots").Logger(),
		occupants: make([]string, size),
		byRun:     make(map[string]int),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Size returns the number of slots in the pool
func (p *Pool) Size() int { return p.size }

// PortsFor returns the fixed port pair for a slot index. The mapping is a
// pure function of the index; ports are reused once a slot frees.
func (p *Pool) PortsFor(index int) domain.PortPair {
	return domain.PortPair{A: p.basePortA + index, B: p.basePortB + index}
}

// preferredIndex computes the deterministic starting index for a run id
func (p *Pool) preferredIndex(runID string) int {
	h := fnv.New32a()
	h.Write([]byte(runID))
	return int(h.Sum32() % uint32(p.size))
}

// Acquire assigns a free slot to the run, blocking until one is available
// or the context is cancelled. The deterministically preferred slot is
// tried first; on collision the scan wraps forward to the next free slot.
// Acquire is idempotent for a run that already holds a slot.
func (p *Pool) Acquire(ctx context.Context, runID string) (*Slot, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if idx, ok := p.byRun[runID]; ok {
			return p.snapshot(idx), nil
		}

		idx, ok := p.findFree(runID)
		if ok {
			slot, err := p.claim(idx, runID)
			if err != nil {
				return nil, err
			}
			return slot, nil
		}

		p.cond.Wait()
	}
}

// findFree scans from the preferred index forward, wrapping once
func (p *Pool) findFree(runID string) (int, bool) {
	start := p.preferredIndex(runID)
	for i := 0; i < p.size; i++ {
		idx := (start + i) % p.size
		if p.occupants[idx] == "" {
			return idx, true
		}
	}
	return 0, false
}

// claim marks the slot occupied and prepares its workspace. Called with
// the pool lock held.
func (p *Pool) claim(idx int, runID string) (*Slot, error) {
	workspace := p.workspacePath(idx)
	if err := os.RemoveAll(workspace); err != nil {
		return nil, fmt.Errorf("clearing slot %d workspace: %w", idx, err)
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("creating slot %d workspace: %w", idx, err)
	}

	ports := p.PortsFor(idx)
	env := fmt.Sprintf("PORT_A=%d\nPORT_B=%d\n", ports.A, ports.B)
	if err := os.WriteFile(filepath.Join(workspace, "ports.env"), []byte(env), 0644); err != nil {
		os.RemoveAll(workspace)
		return nil, fmt.Errorf("writing slot %d port file: %w", idx, err)
	}

	p.occupants[idx] = runID
	p.byRun[runID] = idx
	p.log.Debug().Str("run_id", runID).Int("slot", idx).Msg("slot acquired")
	return p.snapshot(idx), nil
}

// Release frees the slot held by the run and tears down its workspace.
// Releasing a run that holds no slot is a no-op.
func (p *Pool) Release(runID string) {
	p.mu.Lock()
	idx, ok := p.byRun[runID]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.occupants[idx] = ""
	delete(p.byRun, runID)
	workspace := p.workspacePath(idx)
	p.cond.Broadcast()
	p.mu.Unlock()

	if err := os.RemoveAll(workspace); err != nil {
		p.log.Warn().Err(err).Int("slot", idx).Msg("workspace teardown failed")
	}
	p.log.Debug().Str("run_id", runID).Int("slot", idx).Msg("slot released")
}

// Reset frees every slot and removes all slot workspaces, including
// leftovers from a previous process. Blocked acquirers are woken.
func (p *Pool) Reset() {
	p.mu.Lock()
	for idx := range p.occupants {
		p.occupants[idx] = ""
	}
	p.byRun = make(map[string]int)
	p.cond.Broadcast()
	p.mu.Unlock()

	for idx := 0; idx < p.size; idx++ {
		if err := os.RemoveAll(p.workspacePath(idx)); err != nil {
			p.log.Warn().Err(err).Int("slot", idx).Msg("workspace teardown failed")
		}
	}
}

// ListActive returns snapshots of all occupied slots in index order
func (p *Pool) ListActive() []Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var active []Slot
	for idx, runID := range p.occupants {
		if runID != "" {
			active = append(active, *p.snapshot(idx))
		}
	}
	return active
}

// snapshot builds a Slot view for an index. Called with the lock held.
func (p *Pool) snapshot(idx int) *Slot {
	return &Slot{
		Index:     idx,
		RunID:     p.occupants[idx],
		Workspace: p.workspacePath(idx),
		Ports:     p.PortsFor(idx),
	}
}

func (p *Pool) workspacePath(idx int) string {
	return filepath.Join(p.root, fmt.Sprintf("slot-%02d", idx))
}
