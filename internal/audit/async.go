package audit

import (
	"context"
	"sync"
	"time"

	"wace-auth/internal/models"
	"wace-auth/internal/util"

	"go.uber.org/zap"
)

const (
	defaultQueueSize     = 256
	defaultRecordTimeout = 5 * time.Second
)

// Async hands events to a background worker so callers never wait on the
// sink. Events are dropped, with a warning, when the queue is full.
type Async struct {
	inner   Recorder
	queue   chan models.SecurityEvent
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(inner Recorder, queueSize int) *Async {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	a := &Async{
		inner:   inner,
		queue:   make(chan models.SecurityEvent, queueSize),
		timeout: defaultRecordTimeout,
		logger:  util.Named("audit"),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Record enqueues event and returns immediately. It never fails.
func (a *Async) Record(_ context.Context, event models.SecurityEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}

	event = normalize(event, time.Now())
	select {
	case a.queue <- event:
	default:
		a.logger.Warn("Audit queue full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("id", event.ID),
		)
	}
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for event := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.inner.Record(ctx, event); err != nil {
			a.logger.Error("Failed to record security event",
				zap.String("type", string(event.Type)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
