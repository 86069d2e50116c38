// Package pulse bridges the kernel's subscribe API onto a Redis-backed
// Pulse stream, so an out-of-process UI can attach to a session's event
// feed without holding an in-process Kernel reference. It mirrors the
// reference repo's stream.Sink/Pulse client layering: build a Redis
// client, pass it to the Pulse client, hand the client to the bridge.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"github.com/colloquy-dev/colloquy/kernel/bus"
	"github.com/colloquy-dev/colloquy/kernel/event"
)

// Client exposes the subset of Pulse operations the Bridge needs,
// narrowed exactly like the reference repo's own clients/pulse.Client so
// a real goa.design/pulse-backed implementation or a test double can
// satisfy it interchangeably.
type Client interface {
	Stream(name string, opts ...streamopts.Stream) (Stream, error)
	Close(ctx context.Context) error
}

// Stream is the subset of a Pulse stream handle the Bridge needs.
type Stream interface {
	Add(ctx context.Context, event string, payload []byte) (string, error)
}

// Envelope wraps one kernel event for transmission over a Pulse stream.
type Envelope struct {
	Seq         uint64 `json:"seq"`
	Act         string `json:"act"`
	Stream      string `json:"stream"`
	TurnID      string `json:"turn_id,omitempty"`
	WatermarkMS int64  `json:"watermark_ms"`
	Payload     any    `json:"payload,omitempty"`
}

// StreamName derives the target Pulse stream name from a session
// identifier supplied by the caller at construction time; it defaults
// to "session/<sessionID>".
type StreamName func(sessionID string) string

// Options configures a Bridge.
type Options struct {
	Client     Client
	SessionID  string
	StreamName StreamName
}

// Bridge subscribes to a kernel bus from seq 0 and republishes every
// event it sees onto a Pulse stream. Run blocks until ctx is cancelled
// or the subscription ends.
type Bridge struct {
	client     Client
	sessionID  string
	streamName StreamName
}

// New constructs a Bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse: client is required")
	}
	if opts.SessionID == "" {
		return nil, errors.New("pulse: session id is required")
	}
	name := opts.StreamName
	if name == nil {
		name = defaultStreamName
	}
	return &Bridge{client: opts.Client, sessionID: opts.SessionID, streamName: name}, nil
}

// Subscriber is the subset of Kernel the Bridge needs.
type Subscriber interface {
	Subscribe(ctx context.Context, fromSeq uint64, tailN int) (bus.Subscription, error)
}

// Run subscribes to k from seq 0 and republishes every event onto the
// Pulse stream until ctx is cancelled or the subscription closes.
func (b *Bridge) Run(ctx context.Context, k Subscriber) error {
	sub, err := k.Subscribe(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("pulse: subscribe: %w", err)
	}
	defer sub.Close()

	name := b.streamName(b.sessionID)
	stream, err := b.client.Stream(name)
	if err != nil {
		return fmt.Errorf("pulse: open stream %q: %w", name, err)
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := b.publish(ctx, stream, ev); err != nil {
				return err
			}
		case <-sub.Lagged():
			// Best-effort bridge: a dropped event means the out-of-process
			// reader missed one entry; it can reconnect from the last seq
			// it actually received, so this is logged by the caller's own
			// telemetry wrapper around Subscriber, not retried here.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bridge) publish(ctx context.Context, stream Stream, ev event.Event) error {
	env := Envelope{
		Seq: ev.Seq, Act: string(ev.Act), Stream: ev.Stream,
		TurnID: ev.TurnID, WatermarkMS: ev.WatermarkMS, Payload: ev.Payload,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulse: marshal envelope for seq %d: %w", ev.Seq, err)
	}
	if _, err := stream.Add(ctx, string(ev.Act), payload); err != nil {
		return fmt.Errorf("pulse: publish seq %d: %w", ev.Seq, err)
	}
	return nil
}

// Close releases the underlying Pulse client.
func (b *Bridge) Close(ctx context.Context) error {
	return b.client.Close(ctx)
}

func defaultStreamName(sessionID string) string {
	return fmt.Sprintf("session/%s", sessionID)
}
