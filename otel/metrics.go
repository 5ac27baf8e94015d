// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel holds OpenTelemetry metric instruments for the delivery
// path. Instruments are registered against the global meter provider; the
// embedding process decides whether and where to export them.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds metric instruments for a producer controller. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesSent      metric.Int64Counter
	messagesResent    metric.Int64Counter
	messagesConfirmed metric.Int64Counter
	storeErrors       metric.Int64Counter

	// UpDownCounters (Gauges)
	unconfirmedCurrent metric.Int64UpDownCounter

	// Histograms
	storeDuration metric.Float64Histogram
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("durastream"),
	}

	var err error

	m.messagesSent, err = m.meter.Int64Counter(
		"durastream.messages.sent.total",
		metric.WithDescription("Total sequenced messages sent to the consumer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	m.messagesResent, err = m.meter.Int64Counter(
		"durastream.messages.resent.total",
		metric.WithDescription("Total retransmissions of unconfirmed messages"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesResent counter: %w", err)
	}

	m.messagesConfirmed, err = m.meter.Int64Counter(
		"durastream.messages.confirmed.total",
		metric.WithDescription("Total messages confirmed by the consumer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesConfirmed counter: %w", err)
	}

	m.storeErrors, err = m.meter.Int64Counter(
		"durastream.store.errors.total",
		metric.WithDescription("Total durable queue store failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storeErrors counter: %w", err)
	}

	m.unconfirmedCurrent, err = m.meter.Int64UpDownCounter(
		"durastream.messages.unconfirmed",
		metric.WithDescription("Messages sent but not yet confirmed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unconfirmedCurrent gauge: %w", err)
	}

	m.storeDuration, err = m.meter.Float64Histogram(
		"durastream.store.duration",
		metric.WithDescription("Durable queue store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storeDuration histogram: %w", err)
	}

	return m, nil
}

// RecordSent records a sent message. resend marks retransmissions.
func (m *Metrics) RecordSent(ctx context.Context, producerID string, resend bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("producer_id", producerID))
	if resend {
		m.messagesResent.Add(ctx, 1, attrs)
		return
	}
	m.messagesSent.Add(ctx, 1, attrs)
	m.unconfirmedCurrent.Add(ctx, 1, attrs)
}

// RecordConfirmed records n newly confirmed messages.
func (m *Metrics) RecordConfirmed(ctx context.Context, producerID string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	attrs := metric.WithAttributes(attribute.String("producer_id", producerID))
	m.messagesConfirmed.Add(ctx, n, attrs)
	m.unconfirmedCurrent.Add(ctx, -n, attrs)
}

// RecordStore records a durable store operation.
func (m *Metrics) RecordStore(ctx context.Context, producerID string, durationMs float64, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("producer_id", producerID))
	m.storeDuration.Record(ctx, durationMs, attrs)
	if err != nil {
		m.storeErrors.Add(ctx, 1, attrs)
	}
}
