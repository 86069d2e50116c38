// Package bus implements the Orchestrator Kernel's Event Bus: the
// single-writer, append-only log that seals events with a sequence
// number and watermark, persists them to a JSONL sink, and fans them
// out to live subscribers.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/colloquy-dev/colloquy/kernel/clock"
	"github.com/colloquy-dev/colloquy/kernel/event"
	"github.com/colloquy-dev/colloquy/kernel/redact"
	"github.com/colloquy-dev/colloquy/kernel/telemetry"
)

// Default tunables, overridden via Option from kernel configuration.
const (
	DefaultQueueDepth           = 4096
	DefaultSubscriberQueueDepth = 256
)

var (
	// ErrBusClosed is returned by Append once the bus has been closed.
	ErrBusClosed = errors.New("bus: closed")
	// ErrBackpressure is returned by Append when the in-memory queue
	// depth bound has been exceeded.
	ErrBackpressure = errors.New("bus: backpressure exceeded")
)

// Sink is the durability boundary the bus writes sealed events through.
// A nil Sink means memory-only operation. Implementations must be safe
// to call from the bus's single writer goroutine only (no concurrent
// Write calls are made).
type Sink interface {
	Write(ev event.Event) error
	Close() error
}

// Bus is the kernel's single-writer event log. Append is the only
// mutating entry point; it is always called from the same goroutine
// (the Floor Controller's run loop), so internal state besides the
// subscriber map needs no locking, but a mutex still guards it for
// safety against callers that append from elsewhere (e.g. direct
// kernel.PostUser calls).
type Bus struct {
	mu               sync.Mutex
	clock            *clock.Clock
	sink             Sink
	closed           bool
	queueDepth       int
	subscriberQueue  int
	nextSeq          uint64
	redactor         redact.Func
	log              []event.Event // in-memory log of sealed events, for Tail and subscriber replay; Append rejects once it holds queueDepth events

	subMu sync.RWMutex
	subs  map[*subscription]*subscription

	tel telemetry.Telemetry
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithSink attaches a durability sink. Without one the bus runs
// memory-only, matching the degraded mode spec.md prescribes on
// persistence failure.
func WithSink(s Sink) Option {
	return func(b *Bus) { b.sink = s }
}

// WithQueueDepth overrides DefaultQueueDepth (bus.queue_depth).
func WithQueueDepth(n int) Option {
	return func(b *Bus) { b.queueDepth = n }
}

// WithSubscriberQueueDepth overrides DefaultSubscriberQueueDepth
// (bus.subscriber_queue_depth).
func WithSubscriberQueueDepth(n int) Option {
	return func(b *Bus) { b.subscriberQueue = n }
}

// WithTelemetry attaches a Telemetry bundle; defaults to a no-op bundle.
func WithTelemetry(t telemetry.Telemetry) Option {
	return func(b *Bus) { b.tel = t }
}

// WithClock attaches a pre-configured watermark clock; defaults to
// clock.New() with standard skew tolerance.
func WithClock(c *clock.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithRedactor overrides the default redaction function
// (redact.Default) applied to free-text and tool-bytes payloads before
// they are sealed, per spec.md §4.8.
func WithRedactor(r redact.Func) Option {
	return func(b *Bus) { b.redactor = r }
}

// New constructs a Bus. It restores Seq numbering from priorSeq
// (the last seq found on disk, 0 if starting fresh) so Append continues
// the sequence rather than restarting it.
func New(priorSeq uint64, opts ...Option) *Bus {
	b := &Bus{
		clock:           clock.New(),
		queueDepth:      DefaultQueueDepth,
		subscriberQueue: DefaultSubscriberQueueDepth,
		redactor:        redact.Default,
		subs:            make(map[*subscription]*subscription),
		tel:             telemetry.NewNoop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = make([]event.Event, 0, b.queueDepth)
	b.nextSeq = priorSeq
	return b
}

// Append seals partial, assigning seq/event_time_ms/watermark_ms, writes
// it to the durability sink (if any), appends it to the in-memory tail,
// and fans it out to subscribers. It is atomic with respect to other
// Append calls via b.mu.
func (b *Bus) Append(u event.Unsealed) (event.Event, error) {
	if err := u.Validate(); err != nil {
		return event.Event{}, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return event.Event{}, ErrBusClosed
	}
	if len(b.log) >= b.queueDepth {
		b.mu.Unlock()
		return event.Event{}, ErrBackpressure
	}

	b.nextSeq++
	stamp := b.clock.Now()
	sealed := event.Event{
		Seq:         b.nextSeq,
		EventTimeMS: stamp.EventTimeMS,
		WatermarkMS: stamp.WatermarkMS,
		Role:        u.Role,
		Stream:      u.Stream,
		TurnID:      u.TurnID,
		Act:         u.Act,
		Payload:     b.redactPayload(u.Payload),
		Final:       u.Final,
		ParentSeq:   u.ParentSeq,
	}

	if b.sink != nil {
		if err := b.sink.Write(sealed); err != nil {
			b.tel.Log.Error(context.Background(), "bus: sink write failed, downgrading to memory-only", "error", err.Error())
			b.sink = nil
		}
	}
	b.log = append(b.log, sealed)
	// broadcast happens while still holding mu so it stays atomic with
	// respect to Subscribe's backlog-snapshot-then-register sequence
	// below; the send itself is non-blocking (select/default), so this
	// adds no meaningful contention.
	b.broadcast(sealed)
	b.mu.Unlock()

	return sealed, nil
}

// redactPayload applies the configured redactor to the two payload
// shapes that carry arbitrary free-text or subprocess bytes
// (TextPayload.Text and ToolChunkPayload.Bytes); every other payload
// shape is structured and passes through unchanged.
func (b *Bus) redactPayload(payload any) any {
	if b.redactor == nil {
		return payload
	}
	switch p := payload.(type) {
	case event.TextPayload:
		p.Text = string(b.redactor([]byte(p.Text)))
		return p
	case event.ToolChunkPayload:
		p.Bytes = b.redactor(p.Bytes)
		return p
	default:
		return payload
	}
}

// Tail returns a synchronous snapshot of the last n sealed events.
func (b *Bus) Tail(n int) []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.log) {
		n = len(b.log)
	}
	out := make([]event.Event, n)
	copy(out, b.log[len(b.log)-n:])
	return out
}

// Close stops accepting new Appends and closes the durability sink.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	sink := b.sink
	b.mu.Unlock()

	b.subMu.Lock()
	subs := b.subs
	b.subs = make(map[*subscription]*subscription)
	b.subMu.Unlock()
	for s := range subs {
		s.stopPump()
	}

	if sink != nil {
		return sink.Close()
	}
	return nil
}

func (b *Bus) broadcast(ev event.Event) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for s := range b.subs {
		select {
		case s.live <- ev:
		default:
			// Subscriber queue full: signal Lagged once and drop the
			// event for this subscriber; it may reconnect at the last
			// seq it actually received.
			select {
			case s.lagged <- struct{}{}:
			default:
			}
		}
	}
}

// Subscription is a live handle returned by Subscribe. Events() yields
// sealed events in seq order; Lagged() fires (once per gap, best-effort)
// when the subscriber's queue overflowed and events were dropped for it.
type Subscription interface {
	Events() <-chan event.Event
	Lagged() <-chan struct{}
	Close()
}

// subscription fans sealed events out to one caller. broadcast only ever
// writes to live; ch (what Events() exposes) is written exclusively by
// this subscription's own pump goroutine, which drains the backlog
// snapshot first and only then relays from live. That single-writer
// discipline is what keeps backlog replay and newly-broadcast events in
// seq order on ch — without it, a live event appended just after
// Subscribe returns could race a still-draining backlog goroutine and
// be observed out of order.
type subscription struct {
	ch     chan event.Event
	live   chan event.Event
	lagged chan struct{}
	stop   chan struct{}
	once   sync.Once
	bus    *Bus
}

func (s *subscription) Events() <-chan event.Event { return s.ch }
func (s *subscription) Lagged() <-chan struct{}     { return s.lagged }

func (s *subscription) Close() {
	s.bus.subMu.Lock()
	delete(s.bus.subs, s)
	s.bus.subMu.Unlock()
	s.stopPump()
}

// stopPump signals the pump goroutine to stop and close ch; safe to call
// more than once (from both Close() and Bus.Close()).
func (s *subscription) stopPump() {
	s.once.Do(func() { close(s.stop) })
}

// pump drains backlog into ch in order, then relays everything broadcast
// writes to live, until ctx is cancelled or stop is closed. It is the
// sole writer of ch, including ch's closure, so callers never observe a
// send on a closed channel.
func (s *subscription) pump(ctx context.Context, backlog []event.Event) {
	defer close(s.ch)
	for _, ev := range backlog {
		select {
		case s.ch <- ev:
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
	for {
		select {
		case ev := <-s.live:
			select {
			case s.ch <- ev:
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

// Subscribe replays events from fromSeq (exclusive) or, if fromSeq is 0
// and tailN > 0, the last tailN events, then follows live appends.
// fromSeq takes priority when both are nonzero; when both are zero every
// event still held in memory is replayed.
func (b *Bus) Subscribe(ctx context.Context, fromSeq uint64, tailN int) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	var backlog []event.Event
	switch {
	case fromSeq > 0:
		for _, ev := range b.log {
			if ev.Seq > fromSeq {
				backlog = append(backlog, ev)
			}
		}
	case tailN > 0:
		start := len(b.log) - tailN
		if start < 0 {
			start = 0
		}
		backlog = append(backlog, b.log[start:]...)
	default:
		backlog = append(backlog, b.log...)
	}
	queueDepth := b.subscriberQueue

	s := &subscription{
		ch:     make(chan event.Event, queueDepth),
		live:   make(chan event.Event, queueDepth),
		lagged: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		bus:    b,
	}
	// Registering the subscriber while still holding mu keeps this
	// atomic with Append's broadcast: either this subscriber's backlog
	// snapshot already includes a given event, or it is registered in
	// time to receive that event live (on live, never directly on ch),
	// never both and never neither.
	b.subMu.Lock()
	b.subs[s] = s
	b.subMu.Unlock()
	b.mu.Unlock()

	go s.pump(ctx, backlog)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s, nil
}
