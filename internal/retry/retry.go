// Package retry provides the bounded exponential-backoff re-enqueue shared by
// the chunk processor and the artifact generator.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"checkpoint/internal/queue"
	"checkpoint/pkg/sentinel"
)

// MaxRetries is the default attempt cap. Past it, work is left in a terminal
// failed status for manual remediation, never retried automatically.
const MaxRetries = 3

// Delay returns the backoff before the given attempt: 2s, 4s, 8s, ...
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<attempt) * time.Second
}

// Scheduler re-publishes a failed message with an incremented retry count
// after an exponential delay. The iteration cap is hard: Schedule refuses to
// requeue past MaxRetries and returns ErrPermanent instead.
type Scheduler struct {
	pub    queue.Publisher
	max    int
	logger *slog.Logger
	after  func(d time.Duration, f func())
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithTimer replaces the delay timer; tests pass a synchronous one.
func WithTimer(after func(d time.Duration, f func())) Option {
	return func(s *Scheduler) {
		s.after = after
	}
}

// WithMaxRetries overrides the attempt cap.
func WithMaxRetries(max int) Option {
	return func(s *Scheduler) {
		s.max = max
	}
}

func NewScheduler(pub queue.Publisher, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		pub:    pub,
		max:    MaxRetries,
		logger: logger,
		after: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule requeues payload(retryCount+1) on topic after Delay(retryCount+1).
// retryCount is the number of attempts already failed. Returns ErrPermanent
// once the cap is reached.
func (s *Scheduler) Schedule(ctx context.Context, topic, key string, retryCount int, payload func(next int) any) error {
	if retryCount >= s.max {
		s.logger.Error("retry cap reached, giving up",
			"topic", topic,
			"key", key,
			"retries", retryCount,
		)
		return fmt.Errorf("%s retries exhausted after %d attempts: %w", topic, retryCount, sentinel.ErrPermanent)
	}

	next := retryCount + 1
	delay := Delay(next)
	s.logger.Warn("scheduling retry",
		"topic", topic,
		"key", key,
		"attempt", next,
		"max", s.max,
		"delay", delay,
	)

	s.after(delay, func() {
		// The triggering request is long gone by the time the timer fires.
		if err := s.pub.Publish(context.Background(), topic, key, payload(next)); err != nil {
			s.logger.Error("retry publish failed", "topic", topic, "key", key, "error", err)
		}
	})
	return nil
}
