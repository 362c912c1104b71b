package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/example/fleetmon/internal/config"
	"github.com/example/fleetmon/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Sink receives alert events. Emit must not block the caller.
type Sink interface {
	Emit(ev Event)
}

// LogSink writes events to the structured log.
type LogSink struct{}

// Emit logs the event at a level matching its severity.
func (LogSink) Emit(ev Event) {
	fields := []zap.Field{
		zap.String("type", ev.Type),
		zap.Float64("value", ev.Value),
		zap.Float64("threshold", ev.Threshold),
	}
	if ev.Severity == SeverityCritical {
		logging.Error(ev.Message, fields...)
		return
	}
	logging.Warn(ev.Message, fields...)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Emit delivers the event to every sink.
func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// WebhookSink posts events as JSON to a configured endpoint through a worker
// pool. Delivery is guarded by a circuit breaker so a dead endpoint cannot
// back up the queue, and each attempt retries with exponential backoff.
type WebhookSink struct {
	url     string
	queue   chan Event
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	retries uint64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWebhookSink creates a webhook sink and starts its workers.
func NewWebhookSink(cfg config.WebhookConfig) *WebhookSink {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &WebhookSink{
		url:   cfg.URL,
		queue: make(chan Event, queueSize),
		client: &http.Client{
			Timeout: timeout,
		},
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    "alert-webhook",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		retries: uint64(retries),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	return s
}

// Emit enqueues the event. Events are dropped when the queue is full so a
// slow endpoint never blocks evaluation.
func (s *WebhookSink) Emit(ev Event) {
	select {
	case s.queue <- ev:
	default:
		logging.Warn("webhook alert queue full, dropping event",
			zap.String("type", ev.Type))
	}
}

// Close stops the workers and waits for in-flight deliveries.
func (s *WebhookSink) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *WebhookSink) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.queue:
			if err := s.deliver(ev); err != nil {
				logging.Warn("webhook alert delivery failed",
					zap.String("type", ev.Type), zap.Error(err))
			}
		}
	}
}

func (s *WebhookSink) deliver(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	op := func() error {
		_, err := s.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, s.post(payload)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			// Breaker rejected the attempt; retrying immediately is pointless.
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries),
		s.ctx,
	)
	return backoff.Retry(op, bo)
}

func (s *WebhookSink) post(payload []byte) error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

const (
	redisWorkers   = 2
	redisQueueSize = 256
)

// RedisSink publishes events to a Redis channel for downstream consumers
// (dashboards, paging bridges). Publishing runs on a fixed worker pool
// behind a bounded queue; overflow events are dropped.
type RedisSink struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	queue   chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRedisSink creates a Redis pub/sub sink and starts its workers.
func NewRedisSink(cfg config.RedisConfig, channel string) *RedisSink {
	if channel == "" {
		channel = "fleetmon:alerts"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisSink{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: channel,
		timeout: 2 * time.Second,
		queue:   make(chan Event, redisQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < redisWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Emit enqueues the event. Events are dropped when the queue is full so a
// slow Redis never blocks evaluation.
func (s *RedisSink) Emit(ev Event) {
	select {
	case s.queue <- ev:
	default:
		logging.Warn("redis alert queue full, dropping event",
			zap.String("type", ev.Type))
	}
}

func (s *RedisSink) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.queue:
			s.publish(ev)
		}
	}
}

func (s *RedisSink) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		logging.Warn("redis alert publish failed", zap.Error(err))
	}
}

// Close stops the workers and releases the Redis connection.
func (s *RedisSink) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.client.Close()
}
