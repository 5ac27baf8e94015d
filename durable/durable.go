// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package durable defines the persistence contract for the reliable
// delivery protocol. A Queue stores a single State record per producer id
// and applies two kinds of events to it: message sent and message
// confirmed. The producer controller depends only on this interface.
package durable

import (
	"context"
	"errors"
	"sort"

	"github.com/absmach/durastream/core"
)

// Common errors.
var (
	// ErrNotFound is returned when no state was ever persisted for a
	// producer id. Load implementations translate this into State.Empty
	// internally; it is exported for backend-level tests.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue is closed")
)

// Queue is the durable storage contract for one producer id.
//
// Each store operation is atomic with respect to concurrent loads: a caller
// never observes a State mid-update. Implementations may be synchronous or
// asynchronous internally, but every call must not return until the event
// is durably applied; the producer controller treats each store as a
// blocking dependency before the corresponding protocol step completes.
type Queue interface {
	// Load returns the persisted state, or Empty() if nothing was ever
	// persisted. Idempotent.
	Load(ctx context.Context) (State, error)

	// StoreMessageSent appends the message to the unconfirmed list and
	// advances CurrentSeqNr. Returns the updated state.
	StoreMessageSent(ctx context.Context, msg core.MessageSent) (State, error)

	// StoreMessageConfirmed trims the unconfirmed list and advances the
	// confirmation fields for the given lane. Returns the updated state.
	StoreMessageConfirmed(ctx context.Context, seqNr core.SeqNr, qualifier core.Qualifier) (State, error)

	// Close releases backend resources. Stored state survives Close.
	Close() error
}

// State is the persisted record for one producer id.
//
// Invariants:
//   - CurrentSeqNr is the next sequence number to assign (1 + the most
//     recently assigned).
//   - Unconfirmed is sorted ascending by SeqNr and holds exactly the
//     messages sent but not yet confirmed for their lane.
//   - HighestConfirmedSeqNr never decreases.
type State struct {
	CurrentSeqNr          core.SeqNr                    `json:"current_seq_nr"`
	HighestConfirmedSeqNr core.SeqNr                    `json:"highest_confirmed_seq_nr"`
	ConfirmedSeqNr        map[core.Qualifier]core.SeqNr `json:"confirmed_seq_nr"`
	Unconfirmed           []core.MessageSent            `json:"unconfirmed"`
}

// Empty returns the initial state for a producer id that has never
// persisted anything.
func Empty() State {
	return State{
		CurrentSeqNr:   1,
		ConfirmedSeqNr: make(map[core.Qualifier]core.SeqNr),
	}
}

// AddMessageSent returns the state after recording a sent message.
func (s State) AddMessageSent(msg core.MessageSent) State {
	next := s.Copy()
	next.Unconfirmed = append(next.Unconfirmed, msg)
	if msg.SeqNr >= next.CurrentSeqNr {
		next.CurrentSeqNr = msg.SeqNr + 1
	}
	return next
}

// AddConfirmed returns the state after confirming every unconfirmed entry
// with SeqNr <= seqNr for the given lane.
func (s State) AddConfirmed(seqNr core.SeqNr, qualifier core.Qualifier) State {
	next := s.Copy()

	kept := next.Unconfirmed[:0]
	for _, msg := range next.Unconfirmed {
		if msg.Qualifier == qualifier && msg.SeqNr <= seqNr {
			continue
		}
		kept = append(kept, msg)
	}
	next.Unconfirmed = kept

	if prev, ok := next.ConfirmedSeqNr[qualifier]; !ok || seqNr > prev {
		next.ConfirmedSeqNr[qualifier] = seqNr
	}
	if seqNr > next.HighestConfirmedSeqNr {
		next.HighestConfirmedSeqNr = seqNr
	}
	return next
}

// ConfirmedForQualifier returns the confirmation watermark for a lane.
func (s State) ConfirmedForQualifier(qualifier core.Qualifier) core.SeqNr {
	return s.ConfirmedSeqNr[qualifier]
}

// Copy creates a deep copy of the state. Stored payload bytes are shared;
// MessageSent records are immutable once created.
func (s State) Copy() State {
	cp := State{
		CurrentSeqNr:          s.CurrentSeqNr,
		HighestConfirmedSeqNr: s.HighestConfirmedSeqNr,
		ConfirmedSeqNr:        make(map[core.Qualifier]core.SeqNr, len(s.ConfirmedSeqNr)),
	}
	for q, nr := range s.ConfirmedSeqNr {
		cp.ConfirmedSeqNr[q] = nr
	}
	if len(s.Unconfirmed) > 0 {
		cp.Unconfirmed = make([]core.MessageSent, len(s.Unconfirmed))
		copy(cp.Unconfirmed, s.Unconfirmed)
	}
	return cp
}

// Normalize restores invariants after decoding from storage: a nil lane
// map becomes empty, CurrentSeqNr is at least 1, and the unconfirmed list
// is sorted ascending by sequence number.
func (s State) Normalize() State {
	if s.ConfirmedSeqNr == nil {
		s.ConfirmedSeqNr = make(map[core.Qualifier]core.SeqNr)
	}
	if s.CurrentSeqNr == 0 {
		s.CurrentSeqNr = 1
	}
	sort.Slice(s.Unconfirmed, func(i, j int) bool {
		return s.Unconfirmed[i].SeqNr < s.Unconfirmed[j].SeqNr
	})
	return s
}
