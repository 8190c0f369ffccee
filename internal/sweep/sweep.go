// Package sweep periodically pulls labelled work items from the tracker
// and triggers a pipeline run for each item that is not already in
// flight and not already done.
package sweep

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hochfrequenz/runforge/internal/domain"
	"github.com/hochfrequenz/runforge/internal/tracker"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TriggerFunc starts a run for a pipeline and work item
type TriggerFunc func(pipeline, itemRef string, tier domain.ModelTier) (string, error)

// RunLister reports which runs exist, so a sweep never re-triggers an
// item that already has a live or completed run
type RunLister interface {
	ListRuns(status domain.RunStatus) ([]*domain.WorkflowRun, error)
}

// Config tunes the sweeper
type Config struct {
	Schedule string
	Pipeline string
	Label    string
}

// Sweeper drives scheduled tracker sweeps
type Sweeper struct {
	cfg     Config
	tracker tracker.Tracker
	runs    RunLister
	trigger TriggerFunc
	log     zerolog.Logger

	cron *cron.Cron

	mu       sync.Mutex
	sweeping bool
}

// New creates a sweeper; Start arms the schedule
func New(cfg Config, trk tracker.Tracker, runs RunLister, trigger TriggerFunc, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		tracker: trk,
		runs:    runs,
		trigger: trigger,
		log:     log.With().Str("component", "sweep").Logger(),
	}
}

// Start validates the schedule and begins sweeping on it
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron = c
	c.Start()
	s.log.Info().Str("schedule", s.cfg.Schedule).Str("label", s.cfg.Label).Msg("sweep scheduled")
	return nil
}

// Stop halts the schedule and waits for a sweep in progress
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one pass immediately. Overlapping passes are skipped, a
// slow tracker must not stack sweeps.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		s.log.Debug().Msg("sweep already in progress, skipping")
		return 0, nil
	}
	s.sweeping = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	items, err := s.tracker.ListCandidates(ctx, s.cfg.Label)
	if err != nil {
		s.log.Error().Err(err).Msg("listing sweep candidates")
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	claimed, err := s.claimedRefs()
	if err != nil {
		s.log.Error().Err(err).Msg("listing existing runs")
		return 0, err
	}

	triggered := 0
	for _, item := range items {
		ref := strconv.Itoa(item.Number)
		if claimed[ref] {
			continue
		}
		runID, err := s.trigger(s.cfg.Pipeline, ref, "")
		if err != nil {
			s.log.Error().Err(err).Str("item", ref).Msg("sweep trigger failed")
			continue
		}
		s.log.Info().Str("run_id", runID).Str("item", ref).Str("title", item.Title).
			Msg("run triggered by sweep")
		triggered++
	}
	return triggered, nil
}

// claimedRefs returns the item refs that already have any run, in any
// state. Dead-lettered items need a deliberate replay, not a re-sweep.
func (s *Sweeper) claimedRefs() (map[string]bool, error) {
	runs, err := s.runs.ListRuns("")
	if err != nil {
		return nil, err
	}
	claimed := make(map[string]bool, len(runs))
	for _, run := range runs {
		if run.ItemRef != "" {
			claimed[run.ItemRef] = true
		}
	}
	return claimed, nil
}
