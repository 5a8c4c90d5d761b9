package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"smartattend/internal/config"
	"smartattend/internal/events"
	"smartattend/internal/store"
)

// The dispatcher drains the engine's audit event queue and forwards
// fraud evidence and alerts to the configured webhook. Delivery is
// at-most-once; the records themselves are already durable in Postgres.
func main() {
	cfg := config.Load()

	logger, _ := zap.NewProduction()
	if cfg.Env != "production" && cfg.Env != "prod" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	var queue events.Queue
	if cfg.QueueBackend == "memory" {
		queue = events.NewInMemory(64)
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr)
		queue = events.NewRedisQueue(redisClient.Client, "")
	}

	stream, err := queue.Consume(ctx)
	if err != nil {
		logger.Fatal("queue consume init failed", zap.Error(err))
	}

	client := &http.Client{Timeout: 10 * time.Second}

	logger.Info("dispatcher started", zap.String("webhook", cfg.WebhookURL))
	for evt := range stream {
		logger.Info("audit event",
			zap.String("type", evt.Type),
			zap.Int64("session_id", evt.SessionID),
			zap.Int64("student_id", evt.StudentID))

		if cfg.WebhookURL == "" {
			continue
		}
		if err := deliver(ctx, client, cfg.WebhookURL, evt); err != nil {
			logger.Warn("webhook delivery failed",
				zap.String("type", evt.Type),
				zap.Error(err))
		}
	}

	logger.Info("dispatcher stopped")
}

func deliver(ctx context.Context, client *http.Client, url string, evt events.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &deliveryError{status: resp.Status}
	}
	return nil
}

type deliveryError struct {
	status string
}

func (e *deliveryError) Error() string { return "webhook returned " + e.status }
