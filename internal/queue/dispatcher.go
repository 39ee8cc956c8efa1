package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Dispatcher hands events to a Publisher from a single background
// goroutine so request handling never waits on the broker.  When the buffer
// is full new events are dropped and counted.
type Dispatcher struct {
	next Publisher
	log  *zap.Logger

	ch        chan AuthEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once

	// mu orders Publish against Close so nothing is enqueued after the
	// final drain.
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher in front of next with room for buffer
// pending events.
func NewDispatcher(next Publisher, buffer int, lg *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	if next == nil {
		next = NopPublisher{}
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	d := &Dispatcher{
		next: next,
		log:  lg,
		ch:   make(chan AuthEvent, buffer),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.ch:
			d.deliver(ev)
		case <-d.done:
			for {
				select {
				case ev := <-d.ch:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev AuthEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := d.next.Publish(ctx, ev); err != nil {
		d.log.Debug("audit event not delivered", zap.String("event", ev.Type), zap.Error(err))
	}
}

// Publish enqueues ev without blocking.  It never returns an error; events
// published after Close or while the buffer is full are dropped and counted.
func (d *Dispatcher) Publish(_ context.Context, ev AuthEvent) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return nil
	}
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
	}
	return nil
}

// Dropped returns the number of events discarded because the buffer was
// full or the dispatcher was closed.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Close stops accepting events, flushes the buffer and waits for the
// worker to exit.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)
		d.wg.Wait()
	})
}
