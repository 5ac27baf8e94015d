// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed durable queue. One State record
// is kept per producer id, updated transactionally so that a concurrent
// Load never observes a state mid-update.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/s2"

	"github.com/absmach/durastream/core"
	"github.com/absmach/durastream/durable"
)

var _ durable.Queue = (*Queue)(nil)

// Value encoding flags.
const (
	encodingRaw byte = 0
	encodingS2  byte = 1
)

// DefaultCompressionThreshold is the encoded-state size above which values
// are compressed with S2.
const DefaultCompressionThreshold = 4096

// Config holds BadgerDB queue configuration.
type Config struct {
	// Dir is the directory for BadgerDB data.
	Dir string

	// ProducerID scopes the state record. Several producers may share one
	// database directory through separate Queue instances.
	ProducerID string

	// CompressionThreshold is the encoded-state size in bytes above which
	// values are S2-compressed. Zero means DefaultCompressionThreshold;
	// negative disables compression.
	CompressionThreshold int
}

// Queue is a BadgerDB-backed durable queue.
type Queue struct {
	db        *badger.DB
	key       []byte
	threshold int

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens (or creates) a BadgerDB-backed queue.
func New(cfg Config) (*Queue, error) {
	if cfg.ProducerID == "" {
		return nil, fmt.Errorf("producer id is required")
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// State records are small and overwritten often; keep one version and
	// let writes be async, the controller re-reads on restart anyway.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return NewWithDB(db, cfg), nil
}

// NewWithDB creates a queue on an already-open database. The caller keeps
// ownership of db lifecycle when sharing it; Close on this queue closes db.
func NewWithDB(db *badger.DB, cfg Config) *Queue {
	threshold := cfg.CompressionThreshold
	if threshold == 0 {
		threshold = DefaultCompressionThreshold
	}

	q := &Queue{
		db:        db,
		key:       []byte("producer/" + cfg.ProducerID + "/state"),
		threshold: threshold,
		gcStopCh:  make(chan struct{}),
		gcDone:    make(chan struct{}),
	}

	go q.runGC()

	return q
}

// Load implements durable.Queue.
func (q *Queue) Load(ctx context.Context) (durable.State, error) {
	if err := ctx.Err(); err != nil {
		return durable.State{}, err
	}

	var state durable.State
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(q.key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				state = durable.Empty()
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeState(val)
			if err != nil {
				return err
			}
			state = decoded
			return nil
		})
	})
	if err != nil {
		return durable.State{}, fmt.Errorf("load state: %w", err)
	}
	return state.Normalize(), nil
}

// StoreMessageSent implements durable.Queue.
func (q *Queue) StoreMessageSent(ctx context.Context, msg core.MessageSent) (durable.State, error) {
	return q.update(ctx, func(state durable.State) durable.State {
		return state.AddMessageSent(msg)
	})
}

// StoreMessageConfirmed implements durable.Queue.
func (q *Queue) StoreMessageConfirmed(ctx context.Context, seqNr core.SeqNr, qualifier core.Qualifier) (durable.State, error) {
	return q.update(ctx, func(state durable.State) durable.State {
		return state.AddConfirmed(seqNr, qualifier)
	})
}

// Close gracefully closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.gcStopCh)
	<-q.gcDone

	return q.db.Close()
}

func (q *Queue) update(ctx context.Context, apply func(durable.State) durable.State) (durable.State, error) {
	if err := ctx.Err(); err != nil {
		return durable.State{}, err
	}

	var next durable.State
	err := q.db.Update(func(txn *badger.Txn) error {
		state := durable.Empty()
		item, err := txn.Get(q.key)
		if err == nil {
			err = item.Value(func(val []byte) error {
				decoded, derr := decodeState(val)
				if derr != nil {
					return derr
				}
				state = decoded.Normalize()
				return nil
			})
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		next = apply(state)
		data, err := q.encodeState(next)
		if err != nil {
			return err
		}
		return txn.Set(q.key, data)
	})
	if err != nil {
		return durable.State{}, fmt.Errorf("store state: %w", err)
	}
	return next, nil
}

func (q *Queue) encodeState(state durable.State) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	if q.threshold > 0 && len(data) > q.threshold {
		compressed := s2.Encode(nil, data)
		return append([]byte{encodingS2}, compressed...), nil
	}
	return append([]byte{encodingRaw}, data...), nil
}

func decodeState(val []byte) (durable.State, error) {
	if len(val) == 0 {
		return durable.State{}, fmt.Errorf("empty state value")
	}

	data := val[1:]
	switch val[0] {
	case encodingS2:
		decoded, err := s2.Decode(nil, data)
		if err != nil {
			return durable.State{}, fmt.Errorf("failed to decompress state: %w", err)
		}
		data = decoded
	case encodingRaw:
	default:
		return durable.State{}, fmt.Errorf("unknown state encoding %d", val[0])
	}

	var state durable.State
	if err := json.Unmarshal(data, &state); err != nil {
		return durable.State{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, nil
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (q *Queue) runGC() {
	defer close(q.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// May return an error if no GC was needed, which is fine
			_ = q.db.RunValueLogGC(0.5)
		case <-q.gcStopCh:
			return
		}
	}
}
