// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"github.com/absmach/durastream/core"
	"github.com/absmach/durastream/durable"
)

// RequestNext signals the application producer that the controller can
// accept exactly one more payload. It offers two hand-off targets: a
// fire-and-forget channel and an ask-style channel whose reply arrives once
// the payload is confirmed end-to-end.
//
// The channels are owned by the controller and reused across signals; a
// payload must only be handed over after receiving a RequestNext.
type RequestNext struct {
	SendNextTo chan<- []byte
	AskNextTo  chan<- MessageWithConfirmation
}

// MessageWithConfirmation is an ask-style hand-off from the application
// producer. ReplyTo receives the assigned sequence number once the message
// is confirmed by the consumer. ReplyTo must be buffered; a reply that
// cannot be delivered immediately is dropped.
type MessageWithConfirmation struct {
	Payload []byte
	ReplyTo chan<- core.SeqNr
}

// command is a message on the controller's mailbox. The controller
// goroutine processes one command at a time to completion, so controller
// state needs no locking.
type command interface {
	isCommand()
}

// requestCmd carries a Request control message from the consumer controller.
type requestCmd struct {
	req core.Request
}

// ackCmd carries an Ack control message from the consumer controller.
type ackCmd struct {
	ack core.Ack
}

// confirmCmd is the out-of-band force-confirm operation: confirm every
// message up to seqNr on the given lane, independent of any consumer
// granted window.
type confirmCmd struct {
	seqNr     core.SeqNr
	qualifier core.Qualifier
}

// registerCmd binds or rebinds the downstream consumer.
type registerCmd struct {
	out chan<- core.SequencedMessage
}

// sendCmd carries a payload handed over by the application producer.
// replyTo is nil for fire-and-forget sends.
type sendCmd struct {
	payload []byte
	replyTo chan<- core.SeqNr
}

// loadResultCmd carries the result of the initial durable state load.
type loadResultCmd struct {
	state durable.State
	err   error
}

func (requestCmd) isCommand()    {}
func (ackCmd) isCommand()        {}
func (confirmCmd) isCommand()    {}
func (registerCmd) isCommand()   {}
func (sendCmd) isCommand()       {}
func (loadResultCmd) isCommand() {}
