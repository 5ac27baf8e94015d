// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package core defines the data model of the reliable delivery protocol:
// sequence numbers, the tracked send record, and the control messages
// exchanged between the producer and consumer controllers.
package core

// SeqNr is a strictly positive, monotonically increasing sequence number,
// unique per producer session. Sequence numbers are assigned in the order
// the application producer supplies payloads and are never reused.
type SeqNr = uint64

// Qualifier identifies a confirmation lane. Most sessions use a single
// default qualifier, but confirmation progress is tracked per lane so that
// several consumers can confirm against the same producer stream
// independently.
type Qualifier = string

// DefaultQualifier is the confirmation lane used when none is configured.
const DefaultQualifier Qualifier = "default"

// MessageSent records a payload that has been (or is about to be) handed to
// the consumer. Ack records whether the original sender asked to be notified
// once this exact message is confirmed. Immutable once created.
type MessageSent struct {
	SeqNr     SeqNr     `json:"seq_nr"`
	Payload   []byte    `json:"payload"`
	Ack       bool      `json:"ack"`
	Qualifier Qualifier `json:"qualifier"`
}

// SequencedMessage is the envelope delivered to the consumer controller.
//
// First marks the first message of a (re)connected session and tells the
// consumer to reset its own sequence tracking. Ack asks the consumer to
// reply promptly rather than batching its confirmation.
type SequencedMessage struct {
	ProducerID string
	SeqNr      SeqNr
	Payload    []byte
	First      bool
	Ack        bool
}

// CopyMessageSent creates a deep copy of a send record. Payload bytes are
// copied so the original can be retained by durable storage.
func CopyMessageSent(msg MessageSent) MessageSent {
	cp := msg
	if len(msg.Payload) > 0 {
		cp.Payload = make([]byte, len(msg.Payload))
		copy(cp.Payload, msg.Payload)
	}
	return cp
}

// Request is the consumer-to-producer control message granting a
// flow-control window: the producer may send any seqNr up to
// RequestUpToSeqNr, and everything up to ConfirmedSeqNr is confirmed.
//
// ViaTimeout flags a keep-alive re-grant rather than genuine new demand; it
// must not be treated as proof that the consumer is actively progressing.
type Request struct {
	ConfirmedSeqNr   SeqNr
	RequestUpToSeqNr SeqNr
	SupportResend    bool
	ViaTimeout       bool
}

// Ack is a lightweight consumer-to-producer confirmation sent between
// Requests, carrying no new demand.
type Ack struct {
	ConfirmedSeqNr SeqNr
}
