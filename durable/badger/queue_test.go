// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/durastream/core"
)

func setupQueue(t *testing.T, dir string) *Queue {
	t.Helper()

	queue, err := New(Config{Dir: dir, ProducerID: "producer-1"})
	require.NoError(t, err)
	return queue
}

func TestLoadEmpty(t *testing.T) {
	queue := setupQueue(t, t.TempDir())
	defer queue.Close()

	state, err := queue.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.SeqNr(1), state.CurrentSeqNr)
	assert.Empty(t, state.Unconfirmed)
}

func TestStoreAndLoad(t *testing.T) {
	queue := setupQueue(t, t.TempDir())
	defer queue.Close()

	for seqNr := core.SeqNr(1); seqNr <= 3; seqNr++ {
		_, err := queue.StoreMessageSent(context.Background(), core.MessageSent{
			SeqNr:     seqNr,
			Payload:   []byte("payload"),
			Qualifier: core.DefaultQualifier,
		})
		require.NoError(t, err)
	}

	state, err := queue.StoreMessageConfirmed(context.Background(), 1, core.DefaultQualifier)
	require.NoError(t, err)
	require.Len(t, state.Unconfirmed, 2)

	loaded, err := queue.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.SeqNr(4), loaded.CurrentSeqNr)
	assert.Equal(t, core.SeqNr(1), loaded.HighestConfirmedSeqNr)
	require.Len(t, loaded.Unconfirmed, 2)
	assert.Equal(t, core.SeqNr(2), loaded.Unconfirmed[0].SeqNr)
	assert.Equal(t, core.SeqNr(3), loaded.Unconfirmed[1].SeqNr)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	queue := setupQueue(t, dir)
	_, err := queue.StoreMessageSent(context.Background(), core.MessageSent{
		SeqNr:     1,
		Payload:   []byte("persisted"),
		Qualifier: core.DefaultQualifier,
	})
	require.NoError(t, err)
	require.NoError(t, queue.Close())

	reopened := setupQueue(t, dir)
	defer reopened.Close()

	state, err := reopened.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.SeqNr(2), state.CurrentSeqNr)
	require.Len(t, state.Unconfirmed, 1)
	assert.Equal(t, []byte("persisted"), state.Unconfirmed[0].Payload)
}

func TestCompressedStateRoundTrip(t *testing.T) {
	queue, err := New(Config{
		Dir:                  t.TempDir(),
		ProducerID:           "producer-1",
		CompressionThreshold: 64,
	})
	require.NoError(t, err)
	defer queue.Close()

	payload := bytes.Repeat([]byte("abcdefgh"), 512)
	_, err = queue.StoreMessageSent(context.Background(), core.MessageSent{
		SeqNr:     1,
		Payload:   payload,
		Qualifier: core.DefaultQualifier,
	})
	require.NoError(t, err)

	state, err := queue.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, state.Unconfirmed, 1)
	assert.Equal(t, payload, state.Unconfirmed[0].Payload)
}

func TestProducersAreIsolated(t *testing.T) {
	dir := t.TempDir()

	first, err := New(Config{Dir: dir, ProducerID: "producer-1"})
	require.NoError(t, err)

	_, err = first.StoreMessageSent(context.Background(), core.MessageSent{
		SeqNr:     1,
		Payload:   []byte("one"),
		Qualifier: core.DefaultQualifier,
	})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(Config{Dir: dir, ProducerID: "producer-2"})
	require.NoError(t, err)
	defer second.Close()

	state, err := second.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state.Unconfirmed)
	assert.Equal(t, core.SeqNr(1), state.CurrentSeqNr)
}

func TestRequiresProducerID(t *testing.T) {
	_, err := New(Config{Dir: t.TempDir()})
	require.Error(t, err)
}
