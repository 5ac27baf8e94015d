// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package producer implements the producer-side delivery controller: the
// state machine that assigns sequence numbers to outgoing messages, tracks
// confirmations, resends unconfirmed messages, throttles the application
// producer according to consumer-granted demand, and persists send/confirm
// events to an optional durable queue so a restarted producer resumes
// where it left off.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/durastream/core"
	"github.com/absmach/durastream/durable"
	"github.com/absmach/durastream/otel"
)

// Common errors.
var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("producer controller already started")

	// ErrStashOverflow is the terminal error when more messages arrive
	// during the initial state load than the stash can hold.
	ErrStashOverflow = errors.New("stash overflow while waiting for initial state")
)

// controllerState is the lifecycle state of the controller.
type controllerState int

const (
	// stateIdle means Start has not been called yet.
	stateIdle controllerState = iota
	// stateLoading means the initial durable state load is in flight.
	stateLoading
	// stateActive is normal operation and the only long-lived state.
	stateActive
)

// Options configures a producer controller.
type Options struct {
	// Qualifier is the confirmation lane for this controller's consumer
	// flow. Empty means core.DefaultQualifier.
	Qualifier core.Qualifier

	// StashLimit bounds the number of control messages held while the
	// initial durable state load is in flight. Overflow is fatal.
	StashLimit int

	// MailboxSize is the capacity of the controller's inbound mailbox.
	MailboxSize int

	// Metrics, when non-nil, records delivery-path metrics.
	Metrics *otel.Metrics
}

// DefaultOptions returns the default controller options.
func DefaultOptions() Options {
	return Options{
		Qualifier:   core.DefaultQualifier,
		StashLimit:  1024,
		MailboxSize: 256,
	}
}

// Controller is the producer-side delivery controller. It is driven by a
// single goroutine that owns all protocol state; every external
// interaction goes through the mailbox.
type Controller struct {
	id      string
	queue   durable.Queue // nil when no durability is configured
	opts    Options
	logger  *slog.Logger
	metrics *otel.Metrics

	mailbox    chan command
	sendNextCh chan []byte
	askNextCh  chan MessageWithConfirmation

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
	termErr error

	// The fields below are owned by the run goroutine.
	state            controllerState
	currentSeqNr     core.SeqNr
	requestedSeqNr   core.SeqNr
	highestConfirmed core.SeqNr
	confirmed        map[core.Qualifier]core.SeqNr
	unconfirmed      []core.MessageSent
	transmitQueue    []core.MessageSent
	pendingReplies   map[core.SeqNr]chan<- core.SeqNr
	consumer         chan<- core.SequencedMessage
	requestNextTo    chan<- RequestNext
	requestNextSent  bool
	markNextAsFirst  bool
	lastTransmitted  core.SeqNr
	stash            []command
}

// New creates a producer controller. queue may be nil for sessions that do
// not need crash recovery. An empty id gets a generated one.
func New(id string, queue durable.Queue, opts Options, logger *slog.Logger) *Controller {
	if id == "" {
		id = uuid.New().String()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Qualifier == "" {
		opts.Qualifier = core.DefaultQualifier
	}
	if opts.StashLimit <= 0 {
		opts.StashLimit = DefaultOptions().StashLimit
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultOptions().MailboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		id:             id,
		queue:          queue,
		opts:           opts,
		logger:         logger.With(slog.String("producer_id", id)),
		metrics:        opts.Metrics,
		mailbox:        make(chan command, opts.MailboxSize),
		sendNextCh:     make(chan []byte, 1),
		askNextCh:      make(chan MessageWithConfirmation, 1),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		confirmed:      make(map[core.Qualifier]core.SeqNr),
		pendingReplies: make(map[core.SeqNr]chan<- core.SeqNr),
		currentSeqNr:   1,
	}
}

// ID returns the producer id.
func (c *Controller) ID() string {
	return c.id
}

// Start activates the controller and binds the application-producer signal
// target. RequestNext signals are sent on requestNext whenever the
// controller can accept one more payload; the application producer must
// consume them.
//
// With a durable queue configured the controller first loads the persisted
// state and, before asking for any new payload, resends every unconfirmed
// message from the previous session in ascending order, the first one
// marked as the start of a new session.
func (c *Controller) Start(requestNext chan<- RequestNext) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.requestNextTo = requestNext
	c.markNextAsFirst = true

	if c.queue != nil {
		c.state = stateLoading
		go func() {
			state, err := c.queue.Load(c.ctx)
			select {
			case c.mailbox <- loadResultCmd{state: state, err: err}:
			case <-c.ctx.Done():
			}
		}()
	} else {
		c.state = stateActive
	}

	go c.run()

	c.logger.Info("producer controller started", slog.Bool("durable", c.queue != nil))
	return nil
}

// RegisterConsumer binds or rebinds the downstream consumer controller.
// Rebinding discards the previous demand window; the next message sent to
// the new target is marked as the start of a new session.
func (c *Controller) RegisterConsumer(out chan<- core.SequencedMessage) {
	c.enqueue(registerCmd{out: out})
}

// Request feeds a demand/confirmation control message from the consumer
// controller.
func (c *Controller) Request(req core.Request) {
	c.enqueue(requestCmd{req: req})
}

// Ack feeds a confirmation-only control message from the consumer
// controller.
func (c *Controller) Ack(ack core.Ack) {
	c.enqueue(ackCmd{ack: ack})
}

// Confirm force-confirms every message up to seqNr on the given lane,
// independent of any consumer-granted window. The flow-control window is
// not changed. Empty qualifier means the controller's configured lane.
func (c *Controller) Confirm(seqNr core.SeqNr, qualifier core.Qualifier) {
	if qualifier == "" {
		qualifier = c.opts.Qualifier
	}
	c.enqueue(confirmCmd{seqNr: seqNr, qualifier: qualifier})
}

// Stop shuts the controller down and waits for the run goroutine to exit.
// In-flight unconfirmed messages remain in durable storage for a future
// restart to resend.
func (c *Controller) Stop() {
	c.cancel()
	<-c.done
}

// Done is closed when the controller has stopped, either by Stop or by a
// fatal error.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, or nil after a clean stop.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

func (c *Controller) enqueue(cmd command) {
	select {
	case c.mailbox <- cmd:
	case <-c.ctx.Done():
	}
}

func (c *Controller) run() {
	defer close(c.done)

	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.mailbox:
			if !c.handle(cmd) {
				return
			}
		case payload := <-c.sendNextCh:
			if !c.handle(sendCmd{payload: payload}) {
				return
			}
		case m := <-c.askNextCh:
			if !c.handle(sendCmd{payload: m.Payload, replyTo: m.ReplyTo}) {
				return
			}
		}
	}
}

// handle processes one mailbox command. It returns false when the
// controller must terminate.
func (c *Controller) handle(cmd command) bool {
	switch cmd := cmd.(type) {
	case loadResultCmd:
		return c.handleLoadResult(cmd)

	case registerCmd:
		c.consumer = cmd.out
		c.logger.Info("consumer registered")
		if c.state == stateActive {
			// Rebinding restarts flow-control negotiation: previous
			// demand is void and unconfirmed messages go back on the
			// transmit queue.
			c.requestedSeqNr = 0
			c.beginSession()
			c.maybeRequestNext()
		}
		return true

	case requestCmd:
		if c.state != stateActive {
			return c.stashCmd(cmd)
		}
		return c.handleRequest(cmd.req)

	case ackCmd:
		if c.state != stateActive {
			return c.stashCmd(cmd)
		}
		if !c.applyConfirmation(cmd.ack.ConfirmedSeqNr, c.opts.Qualifier) {
			return false
		}
		c.maybeRequestNext()
		return true

	case confirmCmd:
		if c.state != stateActive {
			return c.stashCmd(cmd)
		}
		if !c.applyConfirmation(cmd.seqNr, cmd.qualifier) {
			return false
		}
		c.maybeRequestNext()
		return true

	case sendCmd:
		if c.state != stateActive {
			return c.stashCmd(cmd)
		}
		return c.handleSend(cmd.payload, cmd.replyTo)
	}
	return true
}

func (c *Controller) handleLoadResult(cmd loadResultCmd) bool {
	if c.state != stateLoading {
		return true
	}
	if cmd.err != nil {
		c.fail(fmt.Errorf("load initial state: %w", cmd.err))
		return false
	}

	state := cmd.state.Normalize()
	c.currentSeqNr = state.CurrentSeqNr
	c.highestConfirmed = state.HighestConfirmedSeqNr
	c.confirmed = make(map[core.Qualifier]core.SeqNr, len(state.ConfirmedSeqNr))
	for q, nr := range state.ConfirmedSeqNr {
		c.confirmed[q] = nr
	}
	c.unconfirmed = state.Unconfirmed
	c.state = stateActive

	c.logger.Info("initial state loaded",
		slog.Uint64("current_seq_nr", c.currentSeqNr),
		slog.Uint64("highest_confirmed", c.highestConfirmed),
		slog.Int("unconfirmed", len(c.unconfirmed)))

	c.beginSession()

	// Replay stashed messages in arrival order.
	stashed := c.stash
	c.stash = nil
	for _, s := range stashed {
		if !c.handle(s) {
			return false
		}
	}

	c.maybeRequestNext()
	return true
}

// beginSession starts (or restarts) the delivery session: all unconfirmed
// messages are queued for (re)transmission and the head is sent eagerly so
// the consumer can reset its sequence tracking before granting demand.
// New payloads are not requested until this backlog has drained.
func (c *Controller) beginSession() {
	c.markNextAsFirst = true
	c.transmitQueue = append([]core.MessageSent(nil), c.unconfirmed...)
	if c.consumer != nil && len(c.transmitQueue) > 0 {
		c.transmitHead()
	}
}

func (c *Controller) handleRequest(req core.Request) bool {
	if !c.applyConfirmation(req.ConfirmedSeqNr, c.opts.Qualifier) {
		return false
	}

	// The demand ceiling only moves forward; a stale Request from a
	// superseded registration cannot shrink the window.
	if req.RequestUpToSeqNr > c.requestedSeqNr {
		c.requestedSeqNr = req.RequestUpToSeqNr
	}

	// A keep-alive re-grant is no proof of progress: the consumer may
	// have lost messages, so resend everything still unconfirmed.
	if req.SupportResend && req.ViaTimeout {
		c.resendUnconfirmed()
	}

	c.flushTransmitQueue()
	c.maybeRequestNext()
	return true
}

func (c *Controller) handleSend(payload []byte, replyTo chan<- core.SeqNr) bool {
	c.requestNextSent = false

	seqNr := c.currentSeqNr
	msg := core.MessageSent{
		SeqNr:     seqNr,
		Payload:   payload,
		Ack:       replyTo != nil,
		Qualifier: c.opts.Qualifier,
	}

	// Persist before transmitting so the message is recorded even if the
	// process crashes right after the send.
	if c.queue != nil {
		start := time.Now()
		_, err := c.queue.StoreMessageSent(c.ctx, msg)
		c.metrics.RecordStore(c.ctx, c.id, durationMillis(start), err)
		if err != nil {
			c.fail(fmt.Errorf("store message sent %d: %w", seqNr, err))
			return false
		}
	}

	c.currentSeqNr = seqNr + 1
	if replyTo != nil {
		c.pendingReplies[seqNr] = replyTo
	}
	c.unconfirmed = append(c.unconfirmed, msg)
	c.transmitQueue = append(c.transmitQueue, msg)

	c.flushTransmitQueue()
	c.maybeRequestNext()
	return true
}

// applyConfirmation confirms every unconfirmed entry with SeqNr <= seqNr
// on the given lane: the confirm event is persisted, the entries are
// dropped from the working set, and ask-style senders are replied to. It
// returns false when a storage failure terminated the controller.
func (c *Controller) applyConfirmation(seqNr core.SeqNr, qualifier core.Qualifier) bool {
	if seqNr == 0 {
		return true
	}
	if seqNr >= c.currentSeqNr {
		// Stale or duplicate traffic from a superseded registration can
		// reference sequence numbers that were never assigned.
		c.logger.Debug("ignoring confirmation beyond assigned sequence numbers",
			slog.Uint64("confirmed_seq_nr", seqNr),
			slog.Uint64("current_seq_nr", c.currentSeqNr))
		return true
	}
	if seqNr <= c.confirmed[qualifier] {
		return true
	}

	if c.queue != nil {
		start := time.Now()
		_, err := c.queue.StoreMessageConfirmed(c.ctx, seqNr, qualifier)
		c.metrics.RecordStore(c.ctx, c.id, durationMillis(start), err)
		if err != nil {
			c.fail(fmt.Errorf("store message confirmed %d: %w", seqNr, err))
			return false
		}
	}

	c.confirmed[qualifier] = seqNr
	if seqNr > c.highestConfirmed {
		c.highestConfirmed = seqNr
	}

	var confirmedCount int64
	kept := c.unconfirmed[:0]
	for _, msg := range c.unconfirmed {
		if msg.Qualifier == qualifier && msg.SeqNr <= seqNr {
			confirmedCount++
			if msg.Ack {
				c.reply(msg.SeqNr)
			}
			continue
		}
		kept = append(kept, msg)
	}
	c.unconfirmed = kept

	// Entries confirmed while still queued for (re)transmission need no
	// transmission anymore.
	keptQueue := c.transmitQueue[:0]
	for _, msg := range c.transmitQueue {
		if msg.Qualifier == qualifier && msg.SeqNr <= seqNr {
			continue
		}
		keptQueue = append(keptQueue, msg)
	}
	c.transmitQueue = keptQueue

	c.metrics.RecordConfirmed(c.ctx, c.id, confirmedCount)
	c.logger.Debug("confirmed",
		slog.Uint64("confirmed_seq_nr", seqNr),
		slog.String("qualifier", qualifier),
		slog.Int64("newly_confirmed", confirmedCount))
	return true
}

func (c *Controller) reply(seqNr core.SeqNr) {
	replyTo, ok := c.pendingReplies[seqNr]
	if !ok {
		return
	}
	delete(c.pendingReplies, seqNr)
	select {
	case replyTo <- seqNr:
	default:
		c.logger.Warn("confirmation reply dropped, reply channel full",
			slog.Uint64("seq_nr", seqNr))
	}
}

// flushTransmitQueue sends queued messages covered by the current demand
// window, in ascending sequence number order.
func (c *Controller) flushTransmitQueue() {
	if c.consumer == nil {
		return
	}
	for len(c.transmitQueue) > 0 && c.transmitQueue[0].SeqNr <= c.requestedSeqNr {
		c.transmitHead()
	}
}

func (c *Controller) transmitHead() {
	msg := c.transmitQueue[0]
	c.transmitQueue = c.transmitQueue[1:]
	c.transmit(msg)
}

// resendUnconfirmed retransmits every unconfirmed message that has already
// been sent this session, reusing the original records verbatim. Entries
// still waiting on the transmit queue are left for the normal flush.
func (c *Controller) resendUnconfirmed() {
	if c.consumer == nil {
		return
	}
	boundary := core.SeqNr(0)
	queued := len(c.transmitQueue) > 0
	if queued {
		boundary = c.transmitQueue[0].SeqNr
	}
	for _, msg := range c.unconfirmed {
		if queued && msg.SeqNr >= boundary {
			break
		}
		c.transmit(msg)
	}
}

func (c *Controller) transmit(msg core.MessageSent) {
	first := c.markNextAsFirst
	resend := msg.SeqNr <= c.lastTransmitted

	out := core.SequencedMessage{
		ProducerID: c.id,
		SeqNr:      msg.SeqNr,
		Payload:    msg.Payload,
		First:      first,
		Ack:        msg.Ack,
	}
	select {
	case c.consumer <- out:
	case <-c.ctx.Done():
		return
	}

	c.markNextAsFirst = false
	if msg.SeqNr > c.lastTransmitted {
		c.lastTransmitted = msg.SeqNr
	}
	c.metrics.RecordSent(c.ctx, c.id, resend)
	c.logger.Debug("sent sequenced message",
		slog.Uint64("seq_nr", msg.SeqNr),
		slog.Bool("first", first),
		slog.Bool("resend", resend))
}

// maybeRequestNext asks the application producer for its next payload when
// the demand window allows one more sequence number, no backlog awaits
// transmission, and no earlier signal is still outstanding.
func (c *Controller) maybeRequestNext() {
	if c.state != stateActive || c.requestNextSent || c.requestNextTo == nil {
		return
	}
	if len(c.transmitQueue) > 0 {
		return
	}
	if c.currentSeqNr > c.requestedSeqNr {
		return
	}

	select {
	case c.requestNextTo <- RequestNext{SendNextTo: c.sendNextCh, AskNextTo: c.askNextCh}:
		c.requestNextSent = true
	case <-c.ctx.Done():
	}
}

func (c *Controller) stashCmd(cmd command) bool {
	if len(c.stash) >= c.opts.StashLimit {
		c.fail(ErrStashOverflow)
		return false
	}
	c.stash = append(c.stash, cmd)
	return true
}

// fail records the terminal error and shuts the controller down. Failures
// are surfaced to the owner instead of being retried: blind retries risk
// sequence number gaps or duplicate persistence.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.termErr == nil {
		c.termErr = err
	}
	c.mu.Unlock()

	c.logger.Error("producer controller failed", slog.String("error", err.Error()))
	c.cancel()
}

func durationMillis(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
