package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/taskweave/taskweave/internal/metrics"
)

const (
	defaultBufferSize = 64
	defaultRingSize   = 256
)

// Bus provides in-memory pub/sub for lifecycle events. Publish never
// blocks: a subscriber whose buffer is full loses the event and the drop
// is counted. Each source keeps a bounded replay ring so late observers
// can catch up with ReplaySince.
type Bus struct {
	mu       sync.RWMutex
	bySource map[string]map[int]chan Event
	global   map[int]chan Event
	owners   map[int]string // subscriber id -> source ("" = global)
	history  map[string]*ring
	nextID   int
	bufSize  int
	ringSize int
	closed   bool
	logger   *zap.Logger
}

// Options tunes bus buffer and replay ring capacities.
type Options struct {
	BufferSize int
	RingSize   int
}

// NewBus creates an event bus.
func NewBus(opts Options, logger *zap.Logger) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.RingSize <= 0 {
		opts.RingSize = defaultRingSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		bySource: make(map[string]map[int]chan Event),
		global:   make(map[int]chan Event),
		owners:   make(map[int]string),
		history:  make(map[string]*ring),
		bufSize:  opts.BufferSize,
		ringSize: opts.RingSize,
		logger:   logger,
	}
}

// Subscribe registers for events from one source ("" subscribes to all
// sources). The returned cancel func closes the channel; callers must
// drain until close.
func (b *Bus) Subscribe(source string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.owners[id] = source
	if source == "" {
		b.global[id] = ch
	} else {
		subs := b.bySource[source]
		if subs == nil {
			subs = make(map[int]chan Event)
			b.bySource[source] = subs
		}
		subs[id] = ch
	}
	metrics.EventSubscribers.Inc()

	return ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	source, ok := b.owners[id]
	if !ok {
		return
	}
	delete(b.owners, id)
	if source == "" {
		if ch, ok := b.global[id]; ok {
			delete(b.global, id)
			close(ch)
		}
	} else if subs, ok := b.bySource[source]; ok {
		if ch, ok := subs[id]; ok {
			delete(subs, id)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.bySource, source)
		}
	}
	metrics.EventSubscribers.Dec()
}

// Publish assigns the event its per-source sequence, records it in the
// replay ring, and fans it out without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	rg := b.history[ev.Source]
	if rg == nil {
		rg = newRing(b.ringSize)
		b.history[ev.Source] = rg
	}
	ev.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(ev)

	targets := make([]chan Event, 0, len(b.global)+8)
	for _, ch := range b.global {
		targets = append(targets, ch)
	}
	for _, ch := range b.bySource[ev.Source] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

// ReplaySince returns the source's buffered events with Seq > since,
// best-effort within ring capacity.
func (b *Bus) ReplaySince(source string, since uint64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rg := b.history[source]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// DropHistory releases the replay ring for a finished source.
func (b *Bus) DropHistory(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, source)
}

// Closed reports whether the bus has been shut down.
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.global {
		delete(b.global, id)
		delete(b.owners, id)
		close(ch)
		metrics.EventSubscribers.Dec()
	}
	for source, subs := range b.bySource {
		for id, ch := range subs {
			delete(subs, id)
			delete(b.owners, id)
			close(ch)
			metrics.EventSubscribers.Dec()
		}
		delete(b.bySource, source)
	}
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// Sequences start at 1 so ReplaySince(source, 0) returns everything retained.
func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
