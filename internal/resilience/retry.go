package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hochfrequenz/runforge/internal/domain"
	"github.com/hochfrequenz/runforge/internal/engine"
	"github.com/rs/zerolog"
)

// ErrRetriesExhausted is returned when every configured attempt failed
var ErrRetriesExhausted = errors.New("resilience: retries exhausted")

// DeadLetterSink receives entries for permanently failed invocations
type DeadLetterSink interface {
	PutDeadLetter(entry *domain.DeadLetterEntry) error
}

// RetryConfig tunes the retry loop around one dependency
type RetryConfig struct {
	MaxRetries int // retries beyond the first attempt
	Backoff    Backoff
}

// Retrier drives engine invocations through the circuit breaker and the
// backoff schedule, dead-lettering runs whose attempts are exhausted.
type Retrier struct {
	engine  engine.Engine
	breaker *CircuitBreaker
	cfg     RetryConfig
	sink    DeadLetterSink
	log     zerolog.Logger

	// OnRetry is called before each retry sleep; used for metrics
	OnRetry func(dependency string)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier wraps an engine with the breaker and retry policy
func NewRetrier(eng engine.Engine, breaker *CircuitBreaker, cfg RetryConfig, sink DeadLetterSink, log zerolog.Logger) *Retrier {
	return &Retrier{
		engine:  eng,
		breaker: breaker,
		cfg:     cfg,
		sink:    sink,
		log:     log.With().Str("component", "retrier").Str("dependency", breaker.Name()).Logger(),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke runs one phase invocation with up to maxRetries retries.
// maxRetries < 0 uses the configured default.
//
// Return contract: (result, nil) when the call finished, whether or not
// it succeeded; a non-retryable failure comes back with Success=false
// for the caller's failure edge. ErrRetriesExhausted and ErrCircuitOpen
// mean the run must be dead-lettered; the entry is already written.
func (r *Retrier) Invoke(ctx context.Context, runID, phase string, req engine.Request, maxRetries int) (*engine.Result, error) {
	if maxRetries < 0 {
		maxRetries = r.cfg.MaxRetries
	}
	attempts := maxRetries + 1

	var last *engine.Result
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		if err := r.breaker.Allow(); err != nil {
			r.deadLetter(runID, phase, req, "circuit open: dependency "+r.breaker.Name()+" unavailable")
			return last, ErrCircuitOpen
		}

		res, err := r.engine.Invoke(ctx, req)
		if ctx.Err() != nil {
			// The engine reports cancellation as a failed attempt.
			// Surface the cancellation itself: it is not a dependency
			// failure and must never produce a dead letter.
			return res, ctx.Err()
		}
		if err != nil {
			// Invalid request; not an engine outcome, never retried.
			r.breaker.RecordFailure()
			return nil, err
		}

		if res.Success {
			r.breaker.RecordSuccess()
			return res, nil
		}

		r.breaker.RecordFailure()
		last = res

		if !res.ErrorKind.Retryable() {
			r.log.Debug().Str("run_id", runID).Str("phase", phase).
				Str("error_kind", string(res.ErrorKind)).Msg("non-retryable failure")
			return res, nil
		}

		if attempt < attempts-1 {
			if r.OnRetry != nil {
				r.OnRetry(r.breaker.Name())
			}
			delay := r.cfg.Backoff.Delay(attempt)
			r.log.Debug().Str("run_id", runID).Str("phase", phase).
				Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying after backoff")
			if err := r.sleep(ctx, delay); err != nil {
				return last, err
			}
		}
	}

	if ctx.Err() != nil {
		return last, ctx.Err()
	}
	r.deadLetter(runID, phase, req, lastError(last))
	return last, ErrRetriesExhausted
}

func (r *Retrier) deadLetter(runID, phase string, req engine.Request, summary string) {
	if r.sink == nil {
		return
	}
	payload, _ := json.Marshal(req)
	entry := &domain.DeadLetterEntry{
		RunID:     runID,
		Phase:     phase,
		Request:   string(payload),
		ErrorText: summary,
	}
	if err := r.sink.PutDeadLetter(entry); err != nil {
		r.log.Error().Err(err).Str("run_id", runID).Msg("writing dead letter failed")
	}
}

func lastError(res *engine.Result) string {
	if res == nil {
		return "no attempt completed"
	}
	if res.ErrorText != "" {
		return res.ErrorText
	}
	return string(res.ErrorKind)
}
