package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/magic-number/pkg/logger"
)

const (
	defaultHistory = 1024
	defaultQueue   = 1024
)

// Bus sequences events, keeps a bounded history and feeds sinks and live
// subscribers. Publish never blocks.
type Bus struct {
	log *logger.Logger

	mu          sync.RWMutex
	seq         uint64
	history     []Event
	maxHistory  int
	sinks       []Sink
	subscribers map[int]chan Event
	nextSub     int

	queue   chan Event
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBus creates a bus. historySize <= 0 uses the default.
func NewBus(historySize int, log *logger.Logger) *Bus {
	if historySize <= 0 {
		historySize = defaultHistory
	}
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Bus{
		log:         log,
		maxHistory:  historySize,
		subscribers: make(map[int]chan Event),
		queue:       make(chan Event, defaultQueue),
	}
}

// AddSink registers a sink. Sinks added after Start still receive new events.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish stamps and records an event and returns it.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.history = append(b.history, e)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.log.WithField("subscriber", id).WithField("seq", e.Seq).Warn("subscriber lagging, event dropped")
		}
	}

	select {
	case b.queue <- e:
	default:
		b.log.WithField("seq", e.Seq).WithField("type", e.Type).Warn("sink queue full, event not persisted")
	}
	return e
}

// Restore seeds history from persisted events so sequence numbers continue
// after a restart. Call before the first Publish.
func (b *Bus) Restore(history []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range history {
		if e.Seq <= b.seq {
			continue
		}
		b.seq = e.Seq
		b.history = append(b.history, e)
	}
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
}

// Subscribe returns a channel of live events and a function to release it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns matching events from history, oldest first. Limit keeps the
// newest matches.
func (b *Bus) Recent(f Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.history))
	for _, e := range b.history {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// LastSeq returns the sequence number of the latest event.
func (b *Bus) LastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

func (b *Bus) Name() string { return "event-bus" }

// Start launches the sink dispatcher.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case e := <-b.queue:
				b.dispatch(runCtx, e)
			}
		}
	}()
	return nil
}

// Stop halts the dispatcher and flushes whatever is still queued.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()

	for {
		select {
		case e := <-b.queue:
			b.dispatch(ctx, e)
		default:
			return nil
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Write(ctx, e); err != nil {
			b.log.WithError(err).
				WithField("sink", s.Name()).
				WithField("seq", e.Seq).
				Warn("event sink write failed")
		}
	}
}
