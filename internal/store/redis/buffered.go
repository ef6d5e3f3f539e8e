package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"ohlc-indicators/internal/model"
)

// BufferedPublisher wraps an EMA publisher with a circuit breaker.
// While the breaker is open, or a publish fails, points are kept in a
// bounded local buffer and replayed once the breaker closes again.
type BufferedPublisher struct {
	inner model.EMAPublisher
	cb    *CircuitBreaker
	ctx   context.Context

	mu     sync.Mutex
	buffer []model.EMAPoint
	maxBuf int // oldest points are dropped beyond this

	OnBuffer func(n int)     // called with the number of points buffered
	OnFlush  func(count int) // called after a flush attempt
}

// NewBufferedPublisher wires pub behind cb. ctx bounds background flushes.
func NewBufferedPublisher(ctx context.Context, pub model.EMAPublisher, cb *CircuitBreaker, maxBufferSize int) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bp := &BufferedPublisher{
		inner:  pub,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]model.EMAPoint, 0, 256),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bp.flush()
		}
	}
	return bp
}

// PublishEMA publishes through the breaker. Rejected points are buffered and
// nil is returned; points of a failed publish are buffered and the error returned.
func (bp *BufferedPublisher) PublishEMA(ctx context.Context, points []model.EMAPoint) error {
	if len(points) == 0 {
		return nil
	}
	err := bp.cb.Execute(func() error {
		return bp.inner.PublishEMA(ctx, points)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCircuitOpen):
		bp.bufferPoints(points)
		return nil
	default:
		bp.bufferPoints(points)
		return err
	}
}

func (bp *BufferedPublisher) bufferPoints(points []model.EMAPoint) {
	bp.mu.Lock()
	bp.buffer = append(bp.buffer, points...)
	if over := len(bp.buffer) - bp.maxBuf; over > 0 {
		log.Printf("[buffered-publisher] buffer full, dropping %d oldest points", over)
		bp.buffer = append(bp.buffer[:0:0], bp.buffer[over:]...)
	}
	bp.mu.Unlock()

	if bp.OnBuffer != nil {
		bp.OnBuffer(len(points))
	}
}

// flush replays buffered points in one publish. On failure they go back to
// the front of the buffer for the next close.
func (bp *BufferedPublisher) flush() {
	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return
	}
	pending := bp.buffer
	bp.buffer = make([]model.EMAPoint, 0, 256)
	bp.mu.Unlock()

	flushed := len(pending)
	if err := bp.inner.PublishEMA(bp.ctx, pending); err != nil {
		log.Printf("[buffered-publisher] flush of %d points failed: %v", len(pending), err)
		bp.mu.Lock()
		bp.buffer = append(pending, bp.buffer...)
		if over := len(bp.buffer) - bp.maxBuf; over > 0 {
			bp.buffer = bp.buffer[over:]
		}
		bp.mu.Unlock()
		flushed = 0
	} else {
		log.Printf("[buffered-publisher] flushed %d buffered points", flushed)
	}

	if bp.OnFlush != nil {
		bp.OnFlush(flushed)
	}
}

// Flush replays the buffer synchronously, e.g. on shutdown.
func (bp *BufferedPublisher) Flush() { bp.flush() }

// PendingCount returns the number of buffered points.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}
