package streamclient

import (
	"strings"
	"sync"
	"time"
)

// DefaultDebounce is the input batching window: long enough to coalesce a
// burst of keystrokes into one network write, short enough to keep
// interactive latency invisible.
const DefaultDebounce = 16 * time.Millisecond

// InputBatcher buffers outgoing keystroke data and flushes either
// immediately on a line-terminating character or after a short debounce
// window.
type InputBatcher struct {
	debounce time.Duration
	flush    func(data string)

	mu    sync.Mutex
	buf   strings.Builder
	timer *time.Timer
}

// NewInputBatcher creates a batcher that delivers batches via flush.
func NewInputBatcher(debounce time.Duration, flush func(data string)) *InputBatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &InputBatcher{debounce: debounce, flush: flush}
}

// Write adds keystroke data. A carriage return or newline flushes
// immediately so line-oriented commands run without waiting out the
// debounce window.
func (b *InputBatcher) Write(data string) {
	if data == "" {
		return
	}
	b.mu.Lock()
	b.buf.WriteString(data)
	if strings.ContainsAny(data, "\r\n") {
		batch := b.takeLocked()
		b.mu.Unlock()
		b.flush(batch)
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.debounce, b.Flush)
	}
	b.mu.Unlock()
}

// Flush delivers any buffered data now.
func (b *InputBatcher) Flush() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if batch != "" {
		b.flush(batch)
	}
}

// Close flushes remaining data and stops the debounce timer.
func (b *InputBatcher) Close() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.buf.String()
	b.buf.Reset()
	b.mu.Unlock()
	if batch != "" {
		b.flush(batch)
	}
}

func (b *InputBatcher) takeLocked() string {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.buf.String()
	b.buf.Reset()
	return batch
}
