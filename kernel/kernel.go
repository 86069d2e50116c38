// Package kernel wires the Event Bus, Stream Registry, Trigger Engine,
// Floor Controller, Preemption Mux, Turn Runner, and Tool Adapter
// Contract into the single in-process API a server or UI consumes:
// subscribe, tail, post_user, register_tool_adapter/register_agent,
// request_shutdown.
package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/colloquy-dev/colloquy/kernel/bus"
	"github.com/colloquy-dev/colloquy/kernel/config"
	"github.com/colloquy-dev/colloquy/kernel/event"
	"github.com/colloquy-dev/colloquy/kernel/floor"
	"github.com/colloquy-dev/colloquy/kernel/preempt"
	"github.com/colloquy-dev/colloquy/kernel/registry"
	"github.com/colloquy-dev/colloquy/kernel/telemetry"
	"github.com/colloquy-dev/colloquy/kernel/tooladapter"
	"github.com/colloquy-dev/colloquy/kernel/turn"
)

// MemoryPlane is the external durable-fact sink hook (spec.md §9: "no
// summarization logic inside the kernel"). When set, every sealed
// event is forwarded to Observe asynchronously; Observe errors are
// logged and never block the bus.
type MemoryPlane interface {
	Observe(ctx context.Context, e event.Event) error
}

// Kernel is the top-level object a server/UI constructs and drives.
// There are no package-level globals; every dependency is explicit.
type Kernel struct {
	bus    *bus.Bus
	reg    *registry.Registry
	mux    *preempt.Mux
	floorC *floor.Controller
	tools  *tooladapter.Adapter
	turnR  *turn.Runner
	tel    telemetry.Telemetry

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// Options configures a new Kernel.
type Options struct {
	Config      config.Resolved
	Sink        bus.Sink // nil uses an in-memory-only bus
	PriorSeq    uint64   // last seq recovered from a prior run, or 0
	Telemetry   telemetry.Telemetry
	MemoryPlane MemoryPlane
}

// Speakers resolves a registered agent's Speaker capability by its
// registry stream_id; New wires it into the Turn Runner.
type Speakers = func(streamID string) (turn.Speaker, bool)

// New constructs a Kernel. speakers must resolve every stream_id
// returned by RegisterAgent to that agent's turn.Speaker; callers
// typically build this closure around their own agent-name-to-Speaker
// map and pass it here once all agents are registered.
func New(opts Options, speakers Speakers) *Kernel {
	tel := opts.Telemetry
	if tel.Log == nil {
		tel = telemetry.NewNoop()
	}

	reg := registry.New(registry.WithMaxToolStreams(opts.Config.MaxToolStreams))

	b := bus.New(opts.PriorSeq,
		bus.WithSink(opts.Sink),
		bus.WithQueueDepth(opts.Config.BusQueueDepth),
		bus.WithSubscriberQueueDepth(opts.Config.SubscriberQueue),
		bus.WithTelemetry(tel),
	)

	mux := preempt.NewMux()

	turnR := turn.New(opts.Config.Turn, b, reg, mux, speakers, turn.WithTelemetry(tel))

	floorC := floor.New(opts.Config.Floor, reg, b, turnR, floor.WithTelemetry(tel))

	tools := tooladapter.New(b, tooladapter.WithChunkBytes(opts.Config.ToolChunkBytes))

	k := &Kernel{
		bus: b, reg: reg, mux: mux, floorC: floorC, tools: tools, turnR: turnR, tel: tel,
	}

	if opts.MemoryPlane != nil {
		k.wireMemoryPlane(opts.MemoryPlane)
	}

	return k
}

// wireMemoryPlane registers an internal bus subscriber that forwards
// every sealed event to plane.Observe. Observe errors are logged and
// never propagate back into the bus or block other subscribers.
func (k *Kernel) wireMemoryPlane(plane MemoryPlane) {
	ctx := context.Background()
	sub, err := k.bus.Subscribe(ctx, 0, 0)
	if err != nil {
		k.tel.Log.Error(ctx, "kernel: failed to subscribe memory plane", "error", err.Error())
		return
	}
	go func() {
		for ev := range sub.Events() {
			if err := plane.Observe(ctx, ev); err != nil {
				k.tel.Log.Warn(ctx, "kernel: memory plane observe failed", "error", err.Error(), "seq", ev.Seq)
			}
		}
	}()
}

// Run starts the Floor Controller's selection loop and blocks until
// ctx is cancelled or RequestShutdown is called. Call it from its own
// goroutine; it is safe to call exactly once per Kernel.
func (k *Kernel) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	k.cancelMu.Lock()
	k.cancel = cancel
	k.cancelMu.Unlock()
	defer cancel()
	return k.floorC.Run(runCtx)
}

// Subscribe implements the Kernel API's subscribe(from_seq | tail_n).
func (k *Kernel) Subscribe(ctx context.Context, fromSeq uint64, tailN int) (bus.Subscription, error) {
	return k.bus.Subscribe(ctx, fromSeq, tailN)
}

// Tail implements the Kernel API's tail(n).
func (k *Kernel) Tail(n int) []event.Event {
	return k.bus.Tail(n)
}

// PostUser implements the Kernel API's post_user(text): it appends a
// user/say event and fires the Preemption Mux so any in-flight turn
// yields the floor promptly.
func (k *Kernel) PostUser(text string) (event.Event, error) {
	ev, err := k.bus.Append(event.Unsealed{
		Role: event.RoleUser, Stream: "user", Act: event.ActSay,
		Payload: event.TextPayload{Text: text},
	})
	if err != nil {
		return event.Event{}, err
	}
	k.mux.Fire(preempt.Signal{Source: preempt.SourceUser, Reason: "user input"})
	return ev, nil
}

// RegisterAgent implements the Kernel API's register_agent(name, role,
// speaker): it enrolls the stream in the registry under the given
// role. The caller's speakers closure (passed to New) must already be
// able to resolve the returned stream_id to a turn.Speaker.
func (k *Kernel) RegisterAgent(name string, role event.Role) (string, error) {
	if role != event.RoleStrategist && role != event.RoleImplementer {
		return "", fmt.Errorf("kernel: register_agent requires a strategist or implementer role, got %q", role)
	}
	return k.reg.Register(name, role, nil)
}

// RegisterToolAdapter implements the Kernel API's
// register_tool_adapter(name, adapter): it registers the tool's
// invocation schema with the Tool Adapter Contract and enrolls a tool
// stream slot for it in the registry.
func (k *Kernel) RegisterToolAdapter(spec tooladapter.Spec) (string, error) {
	if err := k.tools.Register(spec); err != nil {
		return "", err
	}
	return k.reg.Register(spec.Name, event.RoleTool, nil)
}

// StartTool begins one tool invocation through the Tool Adapter
// Contract; see tooladapter.Adapter.Start.
func (k *Kernel) StartTool(ctx context.Context, name string, invokeSeq uint64, turnID, streamName string, args []byte) (*tooladapter.Handle, error) {
	return k.tools.Start(ctx, name, invokeSeq, turnID, streamName, args)
}

// RequestShutdown implements the Kernel API's request_shutdown(reason):
// it fires the Preemption Mux with SourceShutdown, unblocking every
// in-flight turn, then cancels the Floor Controller's run loop if Run
// is active.
func (k *Kernel) RequestShutdown(reason string) {
	k.mux.Fire(preempt.Signal{Source: preempt.SourceShutdown, Reason: reason})
	k.cancelMu.Lock()
	cancel := k.cancel
	k.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close releases bus resources (flushing and closing the durability
// sink). Call it after Run returns.
func (k *Kernel) Close() error {
	return k.bus.Close()
}
