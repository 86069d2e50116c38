// Package floor implements the Orchestrator Kernel's Floor Controller:
// the run loop that consults the Trigger Engine and Stream Registry to
// decide who holds the floor, emits floor_grant/floor_release, and
// enforces fairness (hysteresis, starvation guard, min/max turn
// duration).
package floor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/colloquy-dev/colloquy/kernel/event"
	"github.com/colloquy-dev/colloquy/kernel/registry"
	"github.com/colloquy-dev/colloquy/kernel/telemetry"
	"github.com/colloquy-dev/colloquy/kernel/trigger"
)

// Default tunables (floor.T_min_ms etc.).
const (
	DefaultTMinMS       = 400
	DefaultTMaxMS       = 8000
	DefaultTHeartbeatMS = 5000
	DefaultBackoffMS    = 2000
	defaultTickMS       = 50
)

// Config holds the Floor Controller's tunable thresholds.
type Config struct {
	TMinMS       int64
	TMaxMS       int64
	THeartbeatMS int64
	BackoffMS    int64
	TriggerCfg   trigger.Config
}

// DefaultConfig returns the spec-default tuning.
func DefaultConfig() Config {
	return Config{
		TMinMS:       DefaultTMinMS,
		TMaxMS:       DefaultTMaxMS,
		THeartbeatMS: DefaultTHeartbeatMS,
		BackoffMS:    DefaultBackoffMS,
		TriggerCfg:   trigger.DefaultConfig(),
	}
}

// Grant describes one floor grant handed to a Runner.
type Grant struct {
	StreamID   string
	StreamName string
	Role       event.Role
	TurnID     string
	DeadlineMS int64
	MinFloorMS int64
	Reason     string
}

// Result is what a Runner reports back after one turn.
type Result struct {
	Status    event.ReleaseStatus
	Reason    string
	BytesSent int64
}

// Runner executes exactly one turn for a granted holder. kernel/turn
// provides the production implementation; tests supply fakes.
type Runner interface {
	RunTurn(ctx context.Context, g Grant) Result
}

// BusAppender is the subset of *bus.Bus the controller needs, kept as
// an interface so floor can be tested without a real bus.
type BusAppender interface {
	Append(u event.Unsealed) (event.Event, error)
	Tail(n int) []event.Event
}

// Controller runs the selection loop.
type Controller struct {
	cfg    Config
	reg    *registry.Registry
	bus    BusAppender
	runner Runner
	tel    telemetry.Telemetry
	nowFn  func() int64

	justReleased  string
	lastHeartbeat int64
	silenceRounds int
}

// Option configures a Controller at construction.
type Option func(*Controller)

// WithTelemetry attaches a Telemetry bundle.
func WithTelemetry(t telemetry.Telemetry) Option {
	return func(c *Controller) { c.tel = t }
}

// withNowFunc overrides the wall-clock source, for tests only.
func withNowFunc(f func() int64) Option {
	return func(c *Controller) { c.nowFn = f }
}

// New constructs a Controller.
func New(cfg Config, reg *registry.Registry, b BusAppender, runner Runner, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		reg:    reg,
		bus:    b,
		runner: runner,
		tel:    telemetry.NewNoop(),
		nowFn:  func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the selection loop until ctx is cancelled or the
// Trigger Engine returns a shutdown decision. It returns nil on a
// requested shutdown and a non-nil error only for conditions the
// kernel should treat as fatal.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(defaultTickMS * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := c.step(ctx); err != nil {
			if err == errShutdown {
				return nil
			}
			return err
		}
	}
}

var errShutdown = fmt.Errorf("floor: shutdown requested")

func (c *Controller) step(ctx context.Context) error {
	now := c.nowFn()
	tail := c.bus.Tail(256)
	streams := c.reg.List()

	decision := trigger.Decide(c.cfg.TriggerCfg, tail, streams, trigger.TurnState{SilenceRounds: c.silenceRounds}, now)

	switch decision.Kind {
	case trigger.KindShutdown:
		c.tel.Log.Error(ctx, "floor: shutdown decision reached", "reason", decision.Reason)
		if _, err := c.bus.Append(event.Unsealed{
			Role: event.RoleSystem, Stream: "system.kernel", Act: event.ActError,
			Payload: event.ErrorPayload{Message: decision.Reason},
		}); err != nil {
			c.tel.Log.Error(ctx, "floor: failed to append shutdown error event", "error", err.Error())
		}
		return errShutdown

	case trigger.KindIdle:
		c.silenceRounds++
		return c.maybeHeartbeat(now)

	case trigger.KindContinue:
		c.silenceRounds = 0
		target := c.selectAlternationTarget(streams)
		if target == "" {
			return nil
		}
		return c.grantAndRun(ctx, target)

	case trigger.KindGrantNext:
		c.silenceRounds = 0
		target := decision.Stream
		if target == "" {
			target = c.selectAlternationTarget(streams)
		}
		if target == "" {
			return nil
		}
		return c.grantAndRun(ctx, target)
	}
	return nil
}

func (c *Controller) maybeHeartbeat(now int64) error {
	if now-c.lastHeartbeat < c.cfg.THeartbeatMS {
		return nil
	}
	c.lastHeartbeat = now
	_, err := c.bus.Append(event.Unsealed{
		Role: event.RoleSystem, Stream: "system.kernel", Act: event.ActHeartbeat,
	})
	return err
}

// selectAlternationTarget applies the time-slice alternation and
// hysteresis rules (spec.md §4.4 rules 3-4): prefer an eligible agent
// other than the one just released, tie-broken by name then earliest
// last_active_ms; fall back to the just-released stream only if it is
// the sole eligible holder.
func (c *Controller) selectAlternationTarget(streams []registry.Stream) string {
	now := c.nowFn()
	eligible := make([]registry.Stream, 0, len(streams))
	for _, s := range streams {
		if s.Role != event.RoleStrategist && s.Role != event.RoleImplementer {
			continue
		}
		if s.State == registry.StateDead {
			continue
		}
		if s.BackoffUntilMS > now {
			continue
		}
		eligible = append(eligible, s)
	}
	if len(eligible) == 0 {
		return ""
	}

	candidates := eligible
	if c.justReleased != "" && len(eligible) > 1 {
		filtered := make([]registry.Stream, 0, len(eligible))
		for _, s := range eligible {
			if s.Name != c.justReleased {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Name != candidates[j].Name {
			return candidates[i].Name < candidates[j].Name
		}
		return candidates[i].LastActiveMS < candidates[j].LastActiveMS
	})
	return candidates[0].Name
}

func (c *Controller) grantAndRun(ctx context.Context, streamName string) error {
	var target *registry.Stream
	for _, s := range c.reg.ListLive() {
		if s.Name == streamName {
			st := s
			target = &st
			break
		}
	}
	if target == nil {
		return nil
	}

	now := c.nowFn()
	turnID := event.NewTurnID()

	if err := c.reg.SetState(target.ID, registry.StateGranted, now); err != nil {
		return nil
	}

	if _, err := c.bus.Append(event.Unsealed{
		Role: target.Role, Stream: target.Name, TurnID: turnID,
		Act: event.ActFloorGrant, Payload: event.FloorGrantPayload{Reason: "selected"},
	}); err != nil {
		return err
	}

	if err := c.reg.SetState(target.ID, registry.StateSpeaking, now); err != nil {
		return nil
	}

	deadline := now + c.cfg.TMaxMS
	grant := Grant{
		StreamID: target.ID, StreamName: target.Name, Role: target.Role,
		TurnID: turnID, DeadlineMS: deadline, MinFloorMS: now + c.cfg.TMinMS,
	}
	result := c.runner.RunTurn(ctx, grant)

	releaseNow := c.nowFn()
	if _, err := c.bus.Append(event.Unsealed{
		Role: target.Role, Stream: target.Name, TurnID: turnID,
		Act: event.ActFloorRelease, Final: true,
		Payload: event.FloorReleasePayload{Status: result.Status, Reason: result.Reason},
	}); err != nil {
		return err
	}

	finalState := registry.StateIdle
	if result.Status == event.ReleaseErrored {
		finalState = registry.StateErrored
		if err := c.reg.SetBackoff(target.ID, releaseNow+c.cfg.BackoffMS); err != nil {
			c.tel.Log.Warn(ctx, "floor: set backoff failed", "error", err.Error())
		}
	}
	if err := c.reg.SetState(target.ID, finalState, releaseNow); err != nil {
		c.tel.Log.Warn(ctx, "floor: set state after release failed", "error", err.Error())
	}

	c.justReleased = target.Name
	return nil
}
