// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command durastream runs a reliable delivery session end to end: an
// example application producer feeds payloads through a producer
// controller to a consumer controller, with the durable queue backend,
// circuit breaker and logging selected by configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/absmach/durastream/config"
	"github.com/absmach/durastream/consumer"
	"github.com/absmach/durastream/core"
	"github.com/absmach/durastream/durable"
	badgerqueue "github.com/absmach/durastream/durable/badger"
	"github.com/absmach/durastream/durable/memory"
	"github.com/absmach/durastream/otel"
	"github.com/absmach/durastream/producer"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	produceRate := flag.Float64("rate", 10, "Payloads produced per second")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting durastream", "storage", cfg.Storage.Type, "log_level", cfg.Log.Level)

	// Durable queue backend.
	var queue durable.Queue
	switch cfg.Storage.Type {
	case "none":
		slog.Info("Durability disabled")
	case "memory":
		queue = memory.New(memory.Options{})
		slog.Info("Using in-memory durable queue")
	case "badger":
		badgerQueue, err := badgerqueue.New(badgerqueue.Config{
			Dir:                  cfg.Storage.BadgerDir,
			ProducerID:           cfg.Producer.ID,
			CompressionThreshold: cfg.Storage.CompressionThreshold,
		})
		if err != nil {
			slog.Error("Failed to open BadgerDB durable queue", "error", err)
			os.Exit(1)
		}
		queue = badgerQueue
		defer queue.Close()
		slog.Info("Using BadgerDB durable queue", "dir", cfg.Storage.BadgerDir)
	}

	if queue != nil && cfg.Breaker.Enabled {
		queue = durable.NewBreakerQueue(queue, durable.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		}, logger)
		slog.Info("Durable queue circuit breaker enabled")
	}

	var metrics *otel.Metrics
	if cfg.Producer.MetricsEnabled {
		metrics, err = otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to initialize metrics", "error", err)
			os.Exit(1)
		}
	}

	// Producer controller.
	prod := producer.New(cfg.Producer.ID, queue, producer.Options{
		Qualifier:   cfg.Producer.Qualifier,
		StashLimit:  cfg.Producer.StashLimit,
		MailboxSize: cfg.Producer.MailboxSize,
		Metrics:     metrics,
	}, logger)

	// Consumer controller delivering to a logging handler.
	handler := consumer.HandlerFunc(func(ctx context.Context, producerID string, seqNr core.SeqNr, payload []byte) error {
		slog.Info("Delivered", "seq_nr", seqNr, "payload", string(payload))
		return nil
	})
	cons := consumer.New(prod, handler, consumer.Options{
		FlowWindow:     cfg.Consumer.FlowWindow,
		ResendInterval: cfg.Consumer.ResendInterval,
		AckRatePerSec:  cfg.Consumer.AckRatePerSec,
		AckBurst:       cfg.Consumer.AckBurst,
		MailboxSize:    cfg.Consumer.MailboxSize,
	}, logger)

	prod.RegisterConsumer(cons.Mailbox())

	requestNext := make(chan producer.RequestNext, 1)
	if err := prod.Start(requestNext); err != nil {
		slog.Error("Failed to start producer controller", "error", err)
		os.Exit(1)
	}
	cons.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Example application producer: paced payload generation, every tenth
	// message ask-style with a confirmation reply.
	go runAppProducer(ctx, requestNext, *produceRate)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case <-prod.Done():
		if err := prod.Err(); err != nil {
			slog.Error("Producer controller failed", "error", err)
		}
	}

	cancel()
	cons.Stop()
	prod.Stop()
	slog.Info("Stopped")
}

func runAppProducer(ctx context.Context, requestNext <-chan producer.RequestNext, perSec float64) {
	limiter := rate.NewLimiter(rate.Limit(perSec), 1)
	replyCh := make(chan core.SeqNr, 1)
	var n uint64

	for {
		var rn producer.RequestNext
		select {
		case rn = <-requestNext:
		case <-ctx.Done():
			return
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		n++
		payload := []byte(fmt.Sprintf("msg-%d", n))
		if n%10 == 0 {
			select {
			case rn.AskNextTo <- producer.MessageWithConfirmation{Payload: payload, ReplyTo: replyCh}:
			case <-ctx.Done():
				return
			}
			select {
			case seqNr := <-replyCh:
				slog.Info("Confirmed end to end", "seq_nr", seqNr)
			case <-time.After(30 * time.Second):
				slog.Warn("No confirmation received", "msg", string(payload))
			case <-ctx.Done():
				return
			}
		} else {
			select {
			case rn.SendNextTo <- payload:
			case <-ctx.Done():
				return
			}
		}
	}
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
