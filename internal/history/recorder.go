package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/pkg/models"
)

const (
	defaultQueueSize = 256
	maxWriteAttempts = 3
	retryInterval    = 5 * time.Second
	writeTimeout     = 5 * time.Second
)

// Recorder is the write-behind buffer in front of the Store. Enqueue
// methods never block the caller: when the channel is full, jobs spill to
// an unbounded overflow slice with a warning. Failed writes are retried a
// few times before being dropped with an error log, so a sick database
// slows persistence down but never the perception or decision path.
type Recorder struct {
	store   *Store
	logger  *slog.Logger
	metrics *observability.Metrics

	queue chan writeJob
	done  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	overflow []writeJob
	retries  []writeJob
}

type writeJob struct {
	table   string
	attempt int
	write   func(context.Context, *Store) error
}

// NewRecorder creates a recorder and starts its worker.
func NewRecorder(store *Store, queueSize int, logger *slog.Logger, metrics *observability.Metrics) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:   store,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan writeJob, queueSize),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// RecordStateChange enqueues a block for persistence.
func (r *Recorder) RecordStateChange(block *models.StateChangeBlock) {
	if block == nil {
		return
	}
	r.enqueue(writeJob{table: "state_changes", write: func(ctx context.Context, s *Store) error {
		_, err := s.RecordStateChange(ctx, block)
		return err
	}})
}

// RecordMessage enqueues a message for persistence.
func (r *Recorder) RecordMessage(msg *models.Message) {
	if msg == nil {
		return
	}
	r.enqueue(writeJob{table: "messages", write: func(ctx context.Context, s *Store) error {
		return s.RecordMessage(ctx, msg)
	}})
}

// RecordAction enqueues an action record for persistence.
func (r *Recorder) RecordAction(rec *models.ActionRecord) {
	if rec == nil {
		return
	}
	r.enqueue(writeJob{table: "actions", write: func(ctx context.Context, s *Store) error {
		return s.RecordAction(ctx, rec)
	}})
}

// UpsertUndecryptable enqueues retry state for an undecryptable event.
func (r *Recorder) UpsertUndecryptable(ev *models.UndecryptableEvent) {
	if ev == nil {
		return
	}
	copied := *ev
	r.enqueue(writeJob{table: "undecryptable_events", write: func(ctx context.Context, s *Store) error {
		return s.UpsertUndecryptable(ctx, &copied)
	}})
}

// DeleteUndecryptable enqueues removal of an undecryptable event.
func (r *Recorder) DeleteUndecryptable(eventID, channelID string) {
	r.enqueue(writeJob{table: "undecryptable_events", write: func(ctx context.Context, s *Store) error {
		return s.DeleteUndecryptable(ctx, eventID, channelID)
	}})
}

func (r *Recorder) enqueue(job writeJob) {
	select {
	case r.queue <- job:
	default:
		r.mu.Lock()
		r.overflow = append(r.overflow, job)
		depth := len(r.overflow)
		r.mu.Unlock()
		r.logger.Warn("history queue full, spilling to overflow",
			"table", job.table, "overflow", depth)
	}
	r.updateDepth()
}

// Depth returns the current backlog across queue, overflow, and retries.
func (r *Recorder) Depth() int {
	r.mu.Lock()
	buffered := len(r.overflow) + len(r.retries)
	r.mu.Unlock()
	return len(r.queue) + buffered
}

func (r *Recorder) updateDepth() {
	if r.metrics != nil {
		r.metrics.SetHistoryQueueDepth(r.Depth())
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case job := <-r.queue:
			r.process(job)
			r.updateDepth()
		case <-ticker.C:
			r.flushBuffered()
		case <-r.done:
			r.drain()
			return
		}
	}
}

// drain empties the queue, overflow, and retries. Each job is attempted
// at most maxWriteAttempts times, so this terminates even against a dead
// database.
func (r *Recorder) drain() {
	for {
		select {
		case job := <-r.queue:
			r.process(job)
			continue
		default:
		}

		r.mu.Lock()
		buffered := len(r.overflow) + len(r.retries)
		r.mu.Unlock()
		if buffered == 0 && len(r.queue) == 0 {
			r.updateDepth()
			return
		}
		r.flushBuffered()
	}
}

func (r *Recorder) process(job writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	err := job.write(ctx, r.store)
	cancel()
	if err == nil {
		return
	}

	if r.metrics != nil {
		r.metrics.HistoryWriteFailed(job.table)
	}
	job.attempt++
	if job.attempt >= maxWriteAttempts {
		r.logger.Error("history write dropped after retries",
			"table", job.table, "attempts", job.attempt, "error", err)
		return
	}
	r.logger.Warn("history write failed, will retry",
		"table", job.table, "attempt", job.attempt, "error", err)
	r.mu.Lock()
	r.retries = append(r.retries, job)
	r.mu.Unlock()
}

// flushBuffered moves overflow jobs into the queue while there is room
// and reprocesses pending retries.
func (r *Recorder) flushBuffered() {
	r.mu.Lock()
	retries := r.retries
	r.retries = nil
drain:
	for len(r.overflow) > 0 {
		select {
		case r.queue <- r.overflow[0]:
			r.overflow = r.overflow[1:]
		default:
			break drain
		}
	}
	r.mu.Unlock()

	for _, job := range retries {
		r.process(job)
	}
	r.updateDepth()
}

// Close drains the backlog and stops the worker. It returns early if ctx
// expires with jobs still pending.
func (r *Recorder) Close(ctx context.Context) error {
	close(r.done)

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		r.logger.Warn("history recorder shutdown timed out", "pending", r.Depth())
		return ctx.Err()
	}
}
