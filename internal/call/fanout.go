package call

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/peer"
)

// ErrFanoutClosed is returned by [Fanout.Add] after [Fanout.Close].
var ErrFanoutClosed = errors.New("call: observer fanout closed")

const (
	defaultObserverQueue = 64
	defaultObserverSend  = 2 * time.Second
)

// Fanout broadcasts events to a dynamic set of observer handles. Each
// observer gets its own bounded queue and writer goroutine, so a slow or
// broken observer is dropped without stalling the others.
//
// All methods are safe for concurrent use.
type Fanout struct {
	queue       int
	sendTimeout time.Duration
	metrics     *observe.Metrics
	log         *slog.Logger

	mu        sync.Mutex
	observers map[string]*observer
	closed    bool
	wg        sync.WaitGroup
}

type observer struct {
	id      string
	h       peer.Handle
	queue   chan []byte
	once    sync.Once
	dropped atomic.Bool
}

// stop closes the queue; the writer drains what is left and exits.
func (o *observer) stop() {
	o.once.Do(func() { close(o.queue) })
}

// FanoutOption configures a [Fanout].
type FanoutOption func(*Fanout)

// WithObserverQueue sets the per-observer queue depth.
func WithObserverQueue(n int) FanoutOption {
	return func(f *Fanout) {
		if n > 0 {
			f.queue = n
		}
	}
}

// WithObserverSendTimeout bounds a single write to an observer.
func WithObserverSendTimeout(d time.Duration) FanoutOption {
	return func(f *Fanout) {
		if d > 0 {
			f.sendTimeout = d
		}
	}
}

// WithFanoutMetrics records observer gauges and drops on m.
func WithFanoutMetrics(m *observe.Metrics) FanoutOption {
	return func(f *Fanout) { f.metrics = m }
}

// WithFanoutLogger sets the logger.
func WithFanoutLogger(l *slog.Logger) FanoutOption {
	return func(f *Fanout) { f.log = l }
}

// NewFanout creates an empty fanout.
func NewFanout(opts ...FanoutOption) *Fanout {
	f := &Fanout{
		queue:       defaultObserverQueue,
		sendTimeout: defaultObserverSend,
		observers:   make(map[string]*observer),
	}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	if f.log == nil {
		f.log = slog.Default()
	}
	return f
}

// Add starts delivering events to h and returns its observer id. The fanout
// takes ownership of h and closes it when the observer is removed.
func (f *Fanout) Add(h peer.Handle) (string, error) {
	o := &observer{
		id:    uuid.NewString(),
		h:     h,
		queue: make(chan []byte, f.queue),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return "", ErrFanoutClosed
	}
	f.observers[o.id] = o
	f.wg.Add(1)
	f.mu.Unlock()

	f.metrics.ActiveObservers.Add(context.Background(), 1)
	go f.write(o)
	return o.id, nil
}

// Remove stops delivery to the observer and closes its handle. Unknown ids
// are ignored.
func (f *Fanout) Remove(id string) {
	f.mu.Lock()
	o, ok := f.observers[id]
	delete(f.observers, id)
	f.mu.Unlock()
	if ok {
		o.stop()
	}
}

// Len returns the number of attached observers.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

// Broadcast encodes v once and queues it for every observer. Observers whose
// queue is full are dropped.
func (f *Fanout) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		f.log.Error("call: encode observer event", "err", err)
		return
	}

	var slow []*observer
	f.mu.Lock()
	for id, o := range f.observers {
		select {
		case o.queue <- data:
		default:
			delete(f.observers, id)
			slow = append(slow, o)
		}
	}
	f.mu.Unlock()

	for _, o := range slow {
		f.log.Warn("call: dropping slow observer", "observer_id", o.id)
		f.metrics.RecordObserverDrop(context.Background(), "queue_full")
		o.dropped.Store(true)
		o.stop()
		_ = o.h.Close()
	}
}

// Close stops accepting observers, lets every writer flush its queue, and
// waits for them until ctx is done. Handles still open after ctx expires are
// closed forcibly.
func (f *Fanout) Close(ctx context.Context) {
	f.mu.Lock()
	f.closed = true
	all := make([]*observer, 0, len(f.observers))
	for id, o := range f.observers {
		all = append(all, o)
		delete(f.observers, id)
	}
	f.mu.Unlock()

	for _, o := range all {
		o.stop()
	}

	flushed := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-ctx.Done():
		for _, o := range all {
			_ = o.h.Close()
		}
		<-flushed
	}
}

// write is the per-observer writer goroutine.
func (f *Fanout) write(o *observer) {
	defer func() {
		_ = o.h.Close()
		f.metrics.ActiveObservers.Add(context.Background(), -1)
		f.wg.Done()
	}()

	for {
		select {
		case data, ok := <-o.queue:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), f.sendTimeout)
			err := o.h.Send(ctx, data)
			cancel()
			if err != nil {
				if !o.dropped.Load() {
					f.log.Debug("call: observer write failed", "observer_id", o.id, "err", err)
					f.metrics.RecordObserverDrop(context.Background(), "send_failed")
				}
				f.Remove(o.id)
				return
			}
		case <-o.h.Done():
			f.Remove(o.id)
			return
		}
	}
}
