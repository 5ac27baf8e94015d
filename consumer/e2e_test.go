// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/durastream/consumer"
	"github.com/absmach/durastream/core"
	"github.com/absmach/durastream/durable/memory"
	"github.com/absmach/durastream/producer"
)

// TestEndToEndDelivery runs a full producer/consumer pair over a durable
// in-memory queue and checks that every payload arrives exactly once, in
// order, across several flow-control window grants.
func TestEndToEndDelivery(t *testing.T) {
	const total = 120

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := memory.New(memory.Options{})

	var mu sync.Mutex
	var received []string
	handler := consumer.HandlerFunc(func(_ context.Context, _ string, _ core.SeqNr, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, string(payload))
		return nil
	})

	prod := producer.New("producer-e2e", queue, producer.Options{}, logger)
	cons := consumer.New(prod, handler, consumer.Options{
		FlowWindow:     50,
		ResendInterval: 200 * time.Millisecond,
		AckRatePerSec:  1000,
		AckBurst:       100,
	}, logger)

	prod.RegisterConsumer(cons.Mailbox())

	requestNext := make(chan producer.RequestNext, 1)
	require.NoError(t, prod.Start(requestNext))
	cons.Start()
	t.Cleanup(func() {
		cons.Stop()
		prod.Stop()
	})

	go func() {
		for i := 1; i <= total; i++ {
			select {
			case rn := <-requestNext:
				rn.SendNextTo <- []byte(fmt.Sprintf("msg-%d", i))
			case <-prod.Done():
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == total
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < total; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%d", i+1), received[i])
	}
	require.NoError(t, prod.Err())
}
