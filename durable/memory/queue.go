// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides a deterministic in-memory durable queue for
// composition and testing. It supports configurable artificial latency and
// an injectable failure predicate to exercise the producer controller's
// failure path without a real backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/durastream/core"
	"github.com/absmach/durastream/durable"
)

var _ durable.Queue = (*Queue)(nil)

// Op identifies a queue operation for the failure predicate.
type Op string

// Queue operations.
const (
	OpLoad      Op = "load"
	OpSent      Op = "store-sent"
	OpConfirmed Op = "store-confirmed"
)

// Options configures the in-memory queue.
type Options struct {
	// Latency is an artificial delay applied to every operation before it
	// takes effect. Zero means no delay.
	Latency time.Duration

	// FailOn, when non-nil, is consulted before every operation. A non-nil
	// return fails the operation with that error and leaves the stored
	// state untouched.
	FailOn func(op Op, seqNr core.SeqNr) error
}

// Queue is a deterministic in-memory durable queue.
type Queue struct {
	mu     sync.RWMutex
	state  durable.State
	opts   Options
	closed bool
}

// New creates an in-memory queue holding the empty state.
func New(opts Options) *Queue {
	return &Queue{
		state: durable.Empty(),
		opts:  opts,
	}
}

// NewWithState creates an in-memory queue pre-seeded with the given state.
// Used to test recovery from a previous session.
func NewWithState(state durable.State, opts Options) *Queue {
	return &Queue{
		state: state.Normalize().Copy(),
		opts:  opts,
	}
}

// Load implements durable.Queue.
func (q *Queue) Load(ctx context.Context) (durable.State, error) {
	if err := q.before(ctx, OpLoad, 0); err != nil {
		return durable.State{}, err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return durable.State{}, durable.ErrClosed
	}
	return q.state.Copy(), nil
}

// StoreMessageSent implements durable.Queue.
func (q *Queue) StoreMessageSent(ctx context.Context, msg core.MessageSent) (durable.State, error) {
	if err := q.before(ctx, OpSent, msg.SeqNr); err != nil {
		return durable.State{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return durable.State{}, durable.ErrClosed
	}
	q.state = q.state.AddMessageSent(core.CopyMessageSent(msg))
	return q.state.Copy(), nil
}

// StoreMessageConfirmed implements durable.Queue.
func (q *Queue) StoreMessageConfirmed(ctx context.Context, seqNr core.SeqNr, qualifier core.Qualifier) (durable.State, error) {
	if err := q.before(ctx, OpConfirmed, seqNr); err != nil {
		return durable.State{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return durable.State{}, durable.ErrClosed
	}
	q.state = q.state.AddConfirmed(seqNr, qualifier)
	return q.state.Copy(), nil
}

// Close implements durable.Queue. Stored state is retained so a restarted
// controller can load it again; Snapshot remains usable after Close.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Snapshot returns a copy of the current state without going through the
// latency or failure hooks. Intended for test assertions.
func (q *Queue) Snapshot() durable.State {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.state.Copy()
}

func (q *Queue) before(ctx context.Context, op Op, seqNr core.SeqNr) error {
	if q.opts.Latency > 0 {
		select {
		case <-time.After(q.opts.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if q.opts.FailOn != nil {
		if err := q.opts.FailOn(op, seqNr); err != nil {
			return err
		}
	}
	return nil
}
