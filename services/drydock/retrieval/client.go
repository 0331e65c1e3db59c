// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("drydock.retrieval")

var (
	// ErrIndexUnavailable is returned when the vector store cannot be
	// reached after retries. Callers should treat it as a systemic outage
	// rather than a per-instance failure.
	ErrIndexUnavailable = errors.New("vector store is not available")

	// ErrCircuitOpen is returned without touching the network while the
	// circuit breaker is cooling down.
	ErrCircuitOpen = errors.New("vector store circuit breaker is open")
)

// State describes the breaker's view of the vector store connection.
type State int32

const (
	// StateConnected means recent calls have been succeeding.
	StateConnected State = iota

	// StateDegraded means some calls are failing but the circuit has not
	// opened yet.
	StateDegraded

	// StateCircuitOpen means the failure threshold was crossed and calls
	// fail fast until the cooldown expires.
	StateCircuitOpen

	// StateHalfOpen means the cooldown expired and a single probe call is
	// allowed through to test recovery.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breakerConfig tunes retry and circuit breaker behavior. All fields must
// be populated; WeaviateConfig.applyDefaults takes care of that.
type breakerConfig struct {
	retryAttempts    int
	retryBackoff     time.Duration
	maxRetryBackoff  time.Duration
	retryJitter      float64
	circuitThreshold int
	circuitWindow    time.Duration
	circuitCooldown  time.Duration
}

// breaker wraps vector store calls with retry and a circuit breaker.
//
// A batch pipeline issues a steady stream of index and query calls, so
// state transitions ride on call outcomes instead of a background health
// prober: a success while degraded closes the breaker, the first call
// after the cooldown becomes the half-open probe.
type breaker struct {
	cfg    breakerConfig
	logger *slog.Logger

	state        atomic.Int32
	circuitOpen  atomic.Int64 // UnixNano of the last open transition
	halfOpenTest atomic.Bool

	failureMu  sync.Mutex
	failures   []time.Time
	failureIdx int
}

func newBreaker(cfg breakerConfig, logger *slog.Logger) *breaker {
	size := cfg.circuitThreshold
	if size < 1 {
		size = 1
	}
	return &breaker{
		cfg:      cfg,
		logger:   logger,
		failures: make([]time.Time, size),
	}
}

// State returns the current connection state.
func (b *breaker) State() State {
	return State(b.state.Load())
}

// execute runs fn with retry, recording the outcome against the circuit
// breaker. Transient errors are retried with exponential backoff; once
// retries are exhausted the error is wrapped in ErrIndexUnavailable so
// callers can tell an outage from an application error.
func (b *breaker) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "retrieval."+op, trace.WithAttributes(
		attribute.String("breaker.state", b.State().String()),
	))
	defer span.End()

	if b.State() == StateCircuitOpen {
		if !b.cooldownExpired() {
			span.SetStatus(codes.Error, "circuit open")
			return fmt.Errorf("%s: %w", op, ErrCircuitOpen)
		}
		if b.state.CompareAndSwap(int32(StateCircuitOpen), int32(StateHalfOpen)) {
			b.logger.Info("vector store circuit half-open", slog.String("operation", op))
		}
	}

	if b.State() == StateHalfOpen {
		// Only one probe at a time; concurrent callers fail fast.
		if !b.halfOpenTest.CompareAndSwap(false, true) {
			span.SetStatus(codes.Error, "half-open probe in flight")
			return fmt.Errorf("%s: %w", op, ErrCircuitOpen)
		}
		defer b.halfOpenTest.Store(false)
	}

	var lastErr error
	for attempt := 0; attempt <= b.cfg.retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := b.backoff(attempt)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("backoff", backoff.String()),
			))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			b.recordSuccess()
			span.SetStatus(codes.Ok, "success")
			return nil
		}

		if !retryable(lastErr) {
			break
		}
	}

	b.recordFailure()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "call failed")
	if retryable(lastErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrIndexUnavailable, lastErr)
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func (b *breaker) recordSuccess() {
	switch b.State() {
	case StateHalfOpen, StateDegraded:
		b.transition(StateConnected)
		b.resetFailures()
	}
}

func (b *breaker) recordFailure() {
	b.failureMu.Lock()
	defer b.failureMu.Unlock()

	now := time.Now()
	b.failures[b.failureIdx] = now
	b.failureIdx = (b.failureIdx + 1) % len(b.failures)

	// A failed half-open probe reopens immediately, even if older
	// failures have aged out of the window.
	if b.State() == StateHalfOpen {
		b.circuitOpen.Store(now.UnixNano())
		b.transition(StateCircuitOpen)
		return
	}

	windowStart := now.Add(-b.cfg.circuitWindow)
	count := 0
	for _, t := range b.failures {
		if !t.IsZero() && t.After(windowStart) {
			count++
		}
	}

	if count >= b.cfg.circuitThreshold {
		if b.State() != StateCircuitOpen {
			b.circuitOpen.Store(now.UnixNano())
			b.transition(StateCircuitOpen)
			b.logger.Warn("vector store circuit breaker opened",
				slog.Int("failures", count),
				slog.Duration("window", b.cfg.circuitWindow))
		}
	} else if b.State() == StateConnected {
		b.transition(StateDegraded)
	}
}

func (b *breaker) resetFailures() {
	b.failureMu.Lock()
	defer b.failureMu.Unlock()
	for i := range b.failures {
		b.failures[i] = time.Time{}
	}
	b.failureIdx = 0
}

func (b *breaker) cooldownExpired() bool {
	opened := time.Unix(0, b.circuitOpen.Load())
	return time.Since(opened) >= b.cfg.circuitCooldown
}

func (b *breaker) transition(to State) {
	from := State(b.state.Swap(int32(to)))
	if from != to {
		b.logger.Debug("vector store connection state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}
}

// backoff returns the delay before the given retry attempt: exponential
// growth capped at maxRetryBackoff, with ±retryJitter applied.
func (b *breaker) backoff(attempt int) time.Duration {
	backoff := b.cfg.retryBackoff * time.Duration(1<<attempt)
	if backoff > b.cfg.maxRetryBackoff || backoff <= 0 {
		backoff = b.cfg.maxRetryBackoff
	}

	jitterRange := float64(backoff) * b.cfg.retryJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	backoff = time.Duration(float64(backoff) + jitter)

	if backoff < 0 {
		backoff = b.cfg.retryBackoff
	}
	return backoff
}

// retryable reports whether an error is worth retrying. Connection-level
// failures are; context cancellation and application errors are not.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// net.OpError first: it implements net.Error but a connection refusal
	// is retryable even when it is not a timeout.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
