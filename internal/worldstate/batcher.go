package worldstate

import (
	"strings"
	"sync"
	"time"

	"github.com/corvid-labs/corvid/pkg/models"
)

const (
	defaultBatchWindow = 5 * time.Second
	defaultBatchSize   = 5
)

// Batcher coalesces rapid consecutive messages from one sender in one
// channel into a single merged message, so a human typing in bursts reads
// as one turn instead of five. The window restarts on every message and
// the batch flushes early once it reaches the size cap. Chat ingest routes
// through the batcher; social posts arrive pre-formed and bypass it.
type Batcher struct {
	mu      sync.Mutex
	window  time.Duration
	maxSize int
	flush   func(*models.Message)
	pending map[string]*pendingBatch
	closed  bool
}

type pendingBatch struct {
	messages []*models.Message
	timer    *time.Timer
}

// NewBatcher creates a batcher delivering merged messages to flush. The
// flush callback runs outside the batcher lock, on timer goroutines or the
// caller's goroutine.
func NewBatcher(window time.Duration, maxSize int, flush func(*models.Message)) *Batcher {
	if window <= 0 {
		window = defaultBatchWindow
	}
	if maxSize <= 0 {
		maxSize = defaultBatchSize
	}
	return &Batcher{
		window:  window,
		maxSize: maxSize,
		flush:   flush,
		pending: make(map[string]*pendingBatch),
	}
}

func batchKey(msg *models.Message) string {
	return string(msg.Platform) + ":" + msg.ChannelID + ":" + msg.SenderID
}

// Add enqueues a message, taking ownership of it. The message is delivered
// merged with its batch when the window elapses or the batch fills.
func (b *Batcher) Add(msg *models.Message) {
	if msg == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.flush(msg)
		return
	}

	key := batchKey(msg)
	batch, ok := b.pending[key]
	if !ok {
		batch = &pendingBatch{}
		batch.timer = time.AfterFunc(b.window, func() { b.flushKey(key) })
		b.pending[key] = batch
	}
	batch.messages = append(batch.messages, msg)

	if len(batch.messages) >= b.maxSize {
		batch.timer.Stop()
		delete(b.pending, key)
		merged := mergeBatch(batch.messages)
		b.mu.Unlock()
		b.flush(merged)
		return
	}

	if ok {
		batch.timer.Reset(b.window)
	}
	b.mu.Unlock()
}

// flushKey is the timer path. A batch already flushed for size is gone
// from the map by the time the stale timer fires.
func (b *Batcher) flushKey(key string) {
	b.mu.Lock()
	batch, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	b.mu.Unlock()
	b.flush(mergeBatch(batch.messages))
}

// Flush delivers every pending batch immediately.
func (b *Batcher) Flush() {
	b.mu.Lock()
	var merged []*models.Message
	for key, batch := range b.pending {
		batch.timer.Stop()
		delete(b.pending, key)
		merged = append(merged, mergeBatch(batch.messages))
	}
	b.mu.Unlock()

	for _, msg := range merged {
		b.flush(msg)
	}
}

// Close flushes everything still pending. Messages added after Close pass
// through unbatched.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush()
}

// Pending returns the number of open batches.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// mergeBatch folds a batch into one message carrying the first message's
// identity and timestamp, the concatenated contents, and batch metadata.
func mergeBatch(msgs []*models.Message) *models.Message {
	if len(msgs) == 1 {
		return msgs[0]
	}

	out := cloneMessage(msgs[0])
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Content)
		if i > 0 {
			out.MediaURLs = append(out.MediaURLs, m.MediaURLs...)
		}
	}
	out.Content = sb.String()
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, 2)
	}
	out.Metadata["batched"] = true
	out.Metadata["count"] = len(msgs)
	return out
}
