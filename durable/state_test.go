// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package durable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/durastream/core"
)

func sent(seqNr core.SeqNr, qualifier core.Qualifier) core.MessageSent {
	return core.MessageSent{
		SeqNr:     seqNr,
		Payload:   []byte("payload"),
		Qualifier: qualifier,
	}
}

func TestEmpty(t *testing.T) {
	state := Empty()

	assert.Equal(t, core.SeqNr(1), state.CurrentSeqNr)
	assert.Equal(t, core.SeqNr(0), state.HighestConfirmedSeqNr)
	assert.Empty(t, state.Unconfirmed)
	assert.NotNil(t, state.ConfirmedSeqNr)
}

func TestAddMessageSent(t *testing.T) {
	state := Empty()

	state = state.AddMessageSent(sent(1, core.DefaultQualifier))
	state = state.AddMessageSent(sent(2, core.DefaultQualifier))

	assert.Equal(t, core.SeqNr(3), state.CurrentSeqNr)
	require.Len(t, state.Unconfirmed, 2)
	assert.Equal(t, core.SeqNr(1), state.Unconfirmed[0].SeqNr)
	assert.Equal(t, core.SeqNr(2), state.Unconfirmed[1].SeqNr)
}

func TestAddConfirmedTrimsUnconfirmed(t *testing.T) {
	state := Empty()
	for seqNr := core.SeqNr(1); seqNr <= 4; seqNr++ {
		state = state.AddMessageSent(sent(seqNr, core.DefaultQualifier))
	}

	state = state.AddConfirmed(3, core.DefaultQualifier)

	require.Len(t, state.Unconfirmed, 1)
	assert.Equal(t, core.SeqNr(4), state.Unconfirmed[0].SeqNr)
	assert.Equal(t, core.SeqNr(3), state.ConfirmedSeqNr[core.DefaultQualifier])
	assert.Equal(t, core.SeqNr(3), state.HighestConfirmedSeqNr)
}

func TestAddConfirmedNeverDecreases(t *testing.T) {
	state := Empty()
	for seqNr := core.SeqNr(1); seqNr <= 5; seqNr++ {
		state = state.AddMessageSent(sent(seqNr, core.DefaultQualifier))
	}

	state = state.AddConfirmed(4, core.DefaultQualifier)
	state = state.AddConfirmed(2, core.DefaultQualifier)

	assert.Equal(t, core.SeqNr(4), state.ConfirmedSeqNr[core.DefaultQualifier])
	assert.Equal(t, core.SeqNr(4), state.HighestConfirmedSeqNr)
}

func TestAddConfirmedPerQualifier(t *testing.T) {
	state := Empty()
	state = state.AddMessageSent(sent(1, "lane-a"))
	state = state.AddMessageSent(sent(2, "lane-b"))
	state = state.AddMessageSent(sent(3, "lane-a"))

	state = state.AddConfirmed(3, "lane-a")

	// lane-b entry survives a lane-a confirmation.
	require.Len(t, state.Unconfirmed, 1)
	assert.Equal(t, core.SeqNr(2), state.Unconfirmed[0].SeqNr)
	assert.Equal(t, core.SeqNr(3), state.ConfirmedSeqNr["lane-a"])
	assert.Equal(t, core.SeqNr(0), state.ConfirmedSeqNr["lane-b"])
	assert.Equal(t, core.SeqNr(3), state.HighestConfirmedSeqNr)
}

func TestCopyIsIndependent(t *testing.T) {
	state := Empty()
	state = state.AddMessageSent(sent(1, core.DefaultQualifier))

	cp := state.Copy()
	cp = cp.AddConfirmed(1, core.DefaultQualifier)

	assert.Len(t, state.Unconfirmed, 1)
	assert.Empty(t, cp.Unconfirmed)
	assert.Equal(t, core.SeqNr(0), state.ConfirmedSeqNr[core.DefaultQualifier])
}

func TestNormalize(t *testing.T) {
	state := State{
		Unconfirmed: []core.MessageSent{
			sent(4, core.DefaultQualifier),
			sent(3, core.DefaultQualifier),
		},
	}

	state = state.Normalize()

	assert.Equal(t, core.SeqNr(1), state.CurrentSeqNr)
	assert.NotNil(t, state.ConfirmedSeqNr)
	require.Len(t, state.Unconfirmed, 2)
	assert.Equal(t, core.SeqNr(3), state.Unconfirmed[0].SeqNr)
	assert.Equal(t, core.SeqNr(4), state.Unconfirmed[1].SeqNr)
}
