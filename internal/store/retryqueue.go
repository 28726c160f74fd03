package store

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/bus"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
)

var (
	queueMetricsOnce sync.Once
	queueDepthGauge  prometheus.Gauge
	queueDropCounter prometheus.Counter
)

func initQueueMetrics() {
	queueMetricsOnce.Do(func() {
		queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "titan_store_retry_queue_depth",
			Help: "Writes waiting in the store retry queue",
		})
		queueDropCounter = promauto.NewCounter(prometheus.CounterOpts{
			Name: "titan_store_retry_drops_total",
			Help: "Writes dropped after exhausting retry attempts",
		})
	})
}

// retryItem is one failed write awaiting another attempt.
type retryItem struct {
	operation string
	name      string
	run       func() error
	attempts  int
	dueAt     time.Time
}

// RetryQueue holds failed fire-and-forget writes and replays them with
// exponential backoff (base * 2^attempts). After maxAttempts the item is
// dropped with an ERROR event: losing one row beats blocking the trading
// path.
type RetryQueue struct {
	mu          sync.Mutex
	items       []retryItem
	maxAttempts int
	base        time.Duration
	bus         *bus.Bus
	now         func() time.Time
	log         zerolog.Logger
}

// NewRetryQueue creates a queue publishing drop events on b.
func NewRetryQueue(b *bus.Bus, maxAttempts int, base time.Duration) *RetryQueue {
	initQueueMetrics()
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if base <= 0 {
		base = defaultBackoffBase
	}
	return &RetryQueue{
		maxAttempts: maxAttempts,
		base:        base,
		bus:         b,
		now:         time.Now,
		log:         log.With().Str("component", "retry_queue").Logger(),
	}
}

// Enqueue adds a failed write. operation names the verb (insert/update),
// name the table or record it targets.
func (q *RetryQueue) Enqueue(operation, name string, run func() error) {
	q.mu.Lock()
	q.items = append(q.items, retryItem{
		operation: operation,
		name:      name,
		run:       run,
		attempts:  0,
		dueAt:     q.now().Add(q.base),
	})
	depth := len(q.items)
	q.mu.Unlock()

	queueDepthGauge.Set(float64(depth))
	q.log.Warn().Str("operation", operation).Str("name", name).Int("depth", depth).Msg("Write queued for retry")
}

// Drain retries every due item once. Scheduler task. Returns how many items
// were retried.
func (q *RetryQueue) Drain() int {
	now := q.now()

	q.mu.Lock()
	var due, waiting []retryItem
	for _, item := range q.items {
		if item.dueAt.After(now) {
			waiting = append(waiting, item)
		} else {
			due = append(due, item)
		}
	}
	q.items = waiting
	q.mu.Unlock()

	retried := 0
	for _, item := range due {
		retried++
		err := item.run()
		if err == nil {
			q.log.Info().
				Str("operation", item.operation).
				Str("name", item.name).
				Int("attempt", item.attempts+1).
				Msg("Queued write succeeded on retry")
			continue
		}

		item.attempts++
		if item.attempts >= q.maxAttempts {
			q.drop(item, err)
			continue
		}
		// base * 2^attempts
		item.dueAt = now.Add(q.base * time.Duration(1<<item.attempts))
		q.mu.Lock()
		q.items = append(q.items, item)
		q.mu.Unlock()
	}

	q.mu.Lock()
	queueDepthGauge.Set(float64(len(q.items)))
	q.mu.Unlock()
	return retried
}

// Depth returns the number of queued writes.
func (q *RetryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *RetryQueue) drop(item retryItem, err error) {
	queueDropCounter.Inc()
	q.log.Error().
		Err(err).
		Str("operation", item.operation).
		Str("name", item.name).
		Int("attempts", item.attempts).
		Msg("Write dropped after exhausting retries")

	if q.bus != nil {
		q.bus.Publish(bus.TopicSystemEvent, bus.SystemEvent{
			EventType:   "STORE_WRITE_DROPPED",
			Severity:    bus.SeverityError,
			Description: "durable write dropped after exhausting retries",
			Context: map[string]any{
				"operation": item.operation,
				"name":      item.name,
				"error":     err.Error(),
			},
			Timestamp: time.Now(),
		})
	}
}
