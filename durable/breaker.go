// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package durable

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/absmach/durastream/core"
)

var _ Queue = (*BreakerQueue)(nil)

// BreakerConfig holds circuit breaker settings for a durable queue.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive store failures that
	// trips the breaker.
	FailureThreshold uint32

	// ResetTimeout is how long the breaker stays open before probing the
	// backend again.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
	}
}

// BreakerQueue wraps a Queue with a circuit breaker. After repeated
// backend failures, store and load calls fail fast instead of piling up on
// a broken backend. Failing fast does not change the delivery protocol:
// a failed store is still fatal to the in-progress send.
type BreakerQueue struct {
	queue   Queue
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerQueue wraps queue with a circuit breaker.
func NewBreakerQueue(queue Queue, cfg BreakerConfig, logger *slog.Logger) *BreakerQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "durable-queue",
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("durable queue circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &BreakerQueue{queue: queue, breaker: breaker}
}

// Load implements Queue.
func (q *BreakerQueue) Load(ctx context.Context) (State, error) {
	return q.execute(func() (State, error) {
		return q.queue.Load(ctx)
	})
}

// StoreMessageSent implements Queue.
func (q *BreakerQueue) StoreMessageSent(ctx context.Context, msg core.MessageSent) (State, error) {
	return q.execute(func() (State, error) {
		return q.queue.StoreMessageSent(ctx, msg)
	})
}

// StoreMessageConfirmed implements Queue.
func (q *BreakerQueue) StoreMessageConfirmed(ctx context.Context, seqNr core.SeqNr, qualifier core.Qualifier) (State, error) {
	return q.execute(func() (State, error) {
		return q.queue.StoreMessageConfirmed(ctx, seqNr, qualifier)
	})
}

// Close closes the underlying queue. Close bypasses the breaker.
func (q *BreakerQueue) Close() error {
	return q.queue.Close()
}

func (q *BreakerQueue) execute(op func() (State, error)) (State, error) {
	res, err := q.breaker.Execute(func() (interface{}, error) {
		return op()
	})
	if err != nil {
		return State{}, err
	}
	return res.(State), nil
}
