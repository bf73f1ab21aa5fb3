package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thenexusengine/pubmatic_htb/internal/metrics"
	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

const (
	// flushWorkerCount is the number of concurrent flush workers
	flushWorkerCount = 2
	// flushQueueSize is the max pending flush batches before dropping
	flushQueueSize = 10
	// flushTimeout bounds one batch delivery
	flushTimeout = 2 * time.Second
)

// record is one buffered event
type record struct {
	Name  string `json:"name"`
	Event Event  `json:"payload"`
}

// RecorderConfig configures the analytics sink
type RecorderConfig struct {
	Endpoint   string
	BufferSize int
	HTTPClient *http.Client
	Breaker    BreakerConfig
	Metrics    *metrics.Metrics
}

// Recorder buffers events and posts them in batches to an analytics
// endpoint. Flushes run on a bounded worker pool; batches are dropped when
// the queue is full or the breaker is open.
type Recorder struct {
	endpoint   string
	httpClient *http.Client
	breaker    *CircuitBreaker
	metrics    *metrics.Metrics

	mu         sync.Mutex
	buffer     []record
	bufferSize int

	flushQueue chan []record
	closeOnce  sync.Once
	wg         sync.WaitGroup

	totalEvents    atomic.Int64
	sentEvents     atomic.Int64
	droppedEvents  atomic.Int64
	droppedBatches atomic.Int64
}

// NewRecorder starts a recorder and its flush workers
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}

	r := &Recorder{
		endpoint:   cfg.Endpoint,
		httpClient: cfg.HTTPClient,
		metrics:    cfg.Metrics,
		buffer:     make([]record, 0, cfg.BufferSize),
		bufferSize: cfg.BufferSize,
		flushQueue: make(chan []record, flushQueueSize),
	}

	breakerCfg := cfg.Breaker
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to string) {
		l := logger.Analytics()
		l.Warn().
			Str("from", from).
			Str("to", to).
			Msg("Analytics circuit breaker state changed")
		if r.metrics != nil {
			r.metrics.SetAnalyticsCircuitState(to)
		}
		if userHook != nil {
			userHook(from, to)
		}
	}
	r.breaker = NewCircuitBreaker(breakerCfg)

	for i := 0; i < flushWorkerCount; i++ {
		r.wg.Add(1)
		go r.flushWorker()
	}
	return r
}

// Emit buffers the event. It never blocks on the network.
func (r *Recorder) Emit(name string, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.totalEvents.Add(1)

	r.mu.Lock()
	r.buffer = append(r.buffer, record{Name: name, Event: e})
	var batch []record
	if len(r.buffer) >= r.bufferSize {
		batch = r.buffer
		r.buffer = make([]record, 0, r.bufferSize)
	}
	r.mu.Unlock()

	if batch != nil {
		r.enqueue(batch)
	}
}

func (r *Recorder) enqueue(batch []record) {
	defer func() {
		// Close may have closed the queue concurrently
		if recover() != nil {
			r.drop(batch)
		}
	}()
	select {
	case r.flushQueue <- batch:
	default:
		r.drop(batch)
	}
}

func (r *Recorder) drop(batch []record) {
	r.droppedEvents.Add(int64(len(batch)))
	r.droppedBatches.Add(1)
	r.observe("dropped", len(batch))
}

func (r *Recorder) flushWorker() {
	defer r.wg.Done()
	for batch := range r.flushQueue {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := r.send(ctx, batch); err != nil {
			l := logger.Analytics()
			l.Debug().Err(err).Int("events", len(batch)).Msg("Analytics batch not delivered")
		}
		cancel()
	}
}

// send posts a batch through the breaker
func (r *Recorder) send(ctx context.Context, batch []record) error {
	if len(batch) == 0 || r.endpoint == "" {
		return nil
	}
	err := r.breaker.Execute(func() error {
		return r.post(ctx, batch)
	})
	switch {
	case err == nil:
		r.sentEvents.Add(int64(len(batch)))
		r.observe("sent", len(batch))
	case errors.Is(err, ErrCircuitOpen):
		r.droppedEvents.Add(int64(len(batch)))
		r.droppedBatches.Add(1)
		r.observe("rejected", len(batch))
	default:
		r.observe("failed", len(batch))
	}
	return err
}

func (r *Recorder) post(ctx context.Context, batch []record) error {
	body, err := json.Marshal(map[string]interface{}{"events": batch})
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analytics endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (r *Recorder) observe(result string, n int) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordAnalyticsEvents(result, n)
}

// Flush sends the buffered events synchronously
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := r.buffer
	r.buffer = make([]record, 0, r.bufferSize)
	r.mu.Unlock()

	return r.send(ctx, batch)
}

// Close flushes remaining events and stops the workers
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		err = r.Flush(ctx)

		close(r.flushQueue)
		r.wg.Wait()
		r.breaker.Close()
	})
	return err
}

// RecorderStats reports event delivery counters
type RecorderStats struct {
	TotalEvents    int64  `json:"total_events"`
	SentEvents     int64  `json:"sent_events"`
	DroppedEvents  int64  `json:"dropped_events"`
	DroppedBatches int64  `json:"dropped_batches"`
	BufferedEvents int    `json:"buffered_events"`
	QueuedBatches  int    `json:"queued_batches"`
	BreakerState   string `json:"breaker_state"`
}

// Stats returns current counters
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	buffered := len(r.buffer)
	r.mu.Unlock()

	return RecorderStats{
		TotalEvents:    r.totalEvents.Load(),
		SentEvents:     r.sentEvents.Load(),
		DroppedEvents:  r.droppedEvents.Load(),
		DroppedBatches: r.droppedBatches.Load(),
		BufferedEvents: buffered,
		QueuedBatches:  len(r.flushQueue),
		BreakerState:   r.breaker.State(),
	}
}
