// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer implements the consumer-side controller of the reliable
// delivery protocol. It receives sequenced messages from a producer
// controller, forwards payloads in order to the application consumer, and
// grants flow-control demand back to the producer through Request and Ack
// control messages.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/absmach/durastream/core"
)

// ProducerRef is the control-message surface of the producer controller as
// seen from the consumer side.
type ProducerRef interface {
	Request(req core.Request)
	Ack(ack core.Ack)
}

// Handler processes delivered payloads. A non-nil error leaves the message
// unconfirmed; the producer retransmits it on the next keep-alive re-grant.
type Handler interface {
	HandleMessage(ctx context.Context, producerID string, seqNr core.SeqNr, payload []byte) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, producerID string, seqNr core.SeqNr, payload []byte) error

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(ctx context.Context, producerID string, seqNr core.SeqNr, payload []byte) error {
	return f(ctx, producerID, seqNr, payload)
}

// Options configures a consumer controller.
type Options struct {
	// FlowWindow is the number of sequence numbers granted to the
	// producer ahead of the confirmation watermark.
	FlowWindow uint64

	// ResendInterval is how often a keep-alive Request is re-sent. The
	// re-grant carries ViaTimeout and triggers retransmission of
	// unconfirmed messages.
	ResendInterval time.Duration

	// AckRatePerSec bounds how often standalone Acks are sent between
	// Requests. Messages that ask for a prompt reply bypass the limit.
	AckRatePerSec float64

	// AckBurst is the ack rate limiter burst size.
	AckBurst int

	// MailboxSize is the capacity of the inbound message mailbox.
	MailboxSize int
}

// DefaultOptions returns the default consumer controller options.
func DefaultOptions() Options {
	return Options{
		FlowWindow:     50,
		ResendInterval: time.Second,
		AckRatePerSec:  20,
		AckBurst:       5,
		MailboxSize:    256,
	}
}

// Controller is the consumer-side controller. A single goroutine owns all
// state; producers deliver into the mailbox returned by Mailbox.
type Controller struct {
	producer ProducerRef
	handler  Handler
	opts     Options
	logger   *slog.Logger
	limiter  *rate.Limiter

	in chan core.SequencedMessage

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool

	// Owned by the run goroutine.
	sessionStarted bool
	expectedSeqNr  core.SeqNr
	confirmedSeqNr core.SeqNr
	requestedUpTo  core.SeqNr
}

// New creates a consumer controller that grants demand to producer and
// hands payloads to handler.
func New(producer ProducerRef, handler Handler, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.FlowWindow == 0 {
		opts.FlowWindow = def.FlowWindow
	}
	if opts.ResendInterval <= 0 {
		opts.ResendInterval = def.ResendInterval
	}
	if opts.AckRatePerSec <= 0 {
		opts.AckRatePerSec = def.AckRatePerSec
	}
	if opts.AckBurst <= 0 {
		opts.AckBurst = def.AckBurst
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = def.MailboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		producer: producer,
		handler:  handler,
		opts:     opts,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(opts.AckRatePerSec), opts.AckBurst),
		in:       make(chan core.SequencedMessage, opts.MailboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Mailbox returns the channel the producer controller delivers sequenced
// messages into. Pass it to the producer's RegisterConsumer.
func (c *Controller) Mailbox() chan<- core.SequencedMessage {
	return c.in
}

// Start launches the controller and grants the initial demand window.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
}

// Stop shuts the controller down and waits for the run goroutine to exit.
func (c *Controller) Stop() {
	c.cancel()
	<-c.done
}

// Done is closed when the controller has stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) run() {
	defer close(c.done)

	// Initial demand grant: without it a fresh producer has a zero
	// ceiling and never asks its application for work.
	c.requestedUpTo = c.opts.FlowWindow
	c.producer.Request(core.Request{
		RequestUpToSeqNr: c.requestedUpTo,
		SupportResend:    true,
	})

	ticker := time.NewTicker(c.opts.ResendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.in:
			c.handleMessage(msg)
		case <-ticker.C:
			// Keep-alive re-grant. ViaTimeout marks it as no proof of
			// progress and asks for retransmission of unconfirmed
			// messages.
			c.producer.Request(core.Request{
				ConfirmedSeqNr:   c.confirmedSeqNr,
				RequestUpToSeqNr: c.requestedUpTo,
				SupportResend:    true,
				ViaTimeout:       true,
			})
		}
	}
}

func (c *Controller) handleMessage(msg core.SequencedMessage) {
	if msg.First || !c.sessionStarted {
		// Session (re)start: adopt the producer's sequence tracking.
		c.sessionStarted = true
		c.expectedSeqNr = msg.SeqNr
		if msg.SeqNr > 0 {
			c.confirmedSeqNr = msg.SeqNr - 1
		}
	}

	switch {
	case msg.SeqNr == c.expectedSeqNr:
		if err := c.handler.HandleMessage(c.ctx, msg.ProducerID, msg.SeqNr, msg.Payload); err != nil {
			// Leave unconfirmed; the keep-alive re-grant redelivers it.
			c.logger.Warn("message handler failed, delivery will be retried",
				slog.Uint64("seq_nr", msg.SeqNr),
				slog.String("error", err.Error()))
			return
		}
		c.confirmedSeqNr = msg.SeqNr
		c.expectedSeqNr = msg.SeqNr + 1

		if msg.Ack || c.limiter.Allow() {
			c.producer.Ack(core.Ack{ConfirmedSeqNr: c.confirmedSeqNr})
		}

		// Grant a new window once half the current one is consumed.
		if c.confirmedSeqNr+c.opts.FlowWindow/2 >= c.requestedUpTo {
			c.requestedUpTo = c.confirmedSeqNr + c.opts.FlowWindow
			c.producer.Request(core.Request{
				ConfirmedSeqNr:   c.confirmedSeqNr,
				RequestUpToSeqNr: c.requestedUpTo,
				SupportResend:    true,
			})
		}

	case msg.SeqNr < c.expectedSeqNr:
		// Duplicate resend; re-confirm so the producer can trim it.
		c.producer.Ack(core.Ack{ConfirmedSeqNr: c.expectedSeqNr - 1})

	default:
		// Gap: an earlier message was lost. Ask for retransmission.
		c.logger.Debug("sequence gap detected",
			slog.Uint64("expected", c.expectedSeqNr),
			slog.Uint64("received", msg.SeqNr))
		c.producer.Request(core.Request{
			ConfirmedSeqNr:   c.confirmedSeqNr,
			RequestUpToSeqNr: c.requestedUpTo,
			SupportResend:    true,
			ViaTimeout:       true,
		})
	}
}
