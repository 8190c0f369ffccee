// Package governor bounds total concurrency and external request rates.
// Admission is a counting semaphore sized to the slot pool with a memory
// pressure gate in front of it; each external dependency gets its own
// token bucket so unrelated dependencies never contend.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateLimit expresses maxRequests per window for one dependency
type RateLimit struct {
	MaxRequests int
	Window      time.Duration
}

// Config tunes the governor
type Config struct {
	MaxConcurrent   int
	MemoryThreshold float64 // utilization fraction above which admission holds; 0 disables
	MemoryPoll      time.Duration
	RateLimits      map[string]RateLimit
}

// Governor gates run admission and external API call rates
type Governor struct {
	cfg Config
	sem *semaphore.Weighted
	log zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	memUsage func() (float64, error)
}

// New creates a governor. Memory utilization is read from /proc.
func New(cfg Config, log zerolog.Logger) *Governor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MemoryPoll <= 0 {
		cfg.MemoryPoll = 5 * time.Second
	}
	return &Governor{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		log:      log.With().Str("component", "governor").Logger(),
		limiters: make(map[string]*rate.Limiter),
		memUsage: procMemoryUsage,
	}
}

// Admit blocks until memory pressure is below the threshold and a
// concurrency permit is available. Every successful Admit must be paired
// with Done.
func (g *Governor) Admit(ctx context.Context) error {
	if err := g.waitForMemory(ctx); err != nil {
		return err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring admission permit: %w", err)
	}
	return nil
}

// Done releases an admission permit
func (g *Governor) Done() {
	g.sem.Release(1)
}

// waitForMemory polls host memory utilization until it drops below the
// configured threshold. Resource exhaustion holds the caller; it is not
// an error.
func (g *Governor) waitForMemory(ctx context.Context) error {
	if g.cfg.MemoryThreshold <= 0 {
		return nil
	}
	for {
		usage, err := g.memUsage()
		if err != nil {
			// Cannot read /proc (e.g. non-Linux test host); do not block admission.
			g.log.Debug().Err(err).Msg("memory probe failed, skipping gate")
			return nil
		}
		if usage < g.cfg.MemoryThreshold {
			return nil
		}
		g.log.Warn().Float64("usage", usage).Float64("threshold", g.cfg.MemoryThreshold).
			Msg("memory pressure, holding admission")
		select {
		case <-time.After(g.cfg.MemoryPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Limiter returns the token bucket for a dependency, creating it on
// first use. Unconfigured dependencies are unlimited.
func (g *Governor) Limiter(dependency string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[dependency]; ok {
		return l
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rl, ok := g.cfg.RateLimits[dependency]; ok && rl.MaxRequests > 0 && rl.Window > 0 {
		perSecond := float64(rl.MaxRequests) / rl.Window.Seconds()
		limiter = rate.NewLimiter(rate.Limit(perSecond), rl.MaxRequests)
	}
	g.limiters[dependency] = limiter
	return limiter
}

// Wait blocks until the dependency's bucket yields a token
func (g *Governor) Wait(ctx context.Context, dependency string) error {
	return g.Limiter(dependency).Wait(ctx)
}

// procMemoryUsage returns host memory utilization in [0, 1]
func procMemoryUsage() (float64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, err
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return 0, err
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil || *mi.MemTotal == 0 {
		return 0, fmt.Errorf("meminfo missing MemTotal/MemAvailable")
	}
	return 1 - float64(*mi.MemAvailable)/float64(*mi.MemTotal), nil
}
