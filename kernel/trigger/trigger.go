// Package trigger implements the Orchestrator Kernel's Trigger Engine:
// a pure policy module that reads the bus tail and stream states and
// decides what the Floor Controller should do next. It performs no I/O
// and holds no mutable state across calls, so Decide is deterministic
// and safe to re-run on the same inputs (spec.md §4.5's idempotence
// requirement).
package trigger

import (
	"sort"

	"github.com/colloquy-dev/colloquy/kernel/event"
	"github.com/colloquy-dev/colloquy/kernel/registry"
)

// Default tunables (all overridable via Config).
const (
	DefaultTQuietMS     = 1000
	DefaultByteBudget    = 4096
	DefaultTSilenceMS   = 15000
)

// Kind is the closed set of decisions the engine can return.
type Kind string

const (
	KindGrantNext Kind = "grant_next"
	KindContinue  Kind = "continue"
	KindIdle      Kind = "idle"
	KindShutdown  Kind = "shutdown"
)

// Decision is the Trigger Engine's output: a Kind plus, for
// KindGrantNext, the stream that should receive the floor and why.
type Decision struct {
	Kind   Kind
	Stream string
	Reason string
}

// Config holds the tunable thresholds read from kernel configuration.
type Config struct {
	TQuietMS   int64
	ByteBudget int64
	TSilenceMS int64
}

// DefaultConfig returns the spec-default tuning.
func DefaultConfig() Config {
	return Config{
		TQuietMS:   DefaultTQuietMS,
		ByteBudget: DefaultByteBudget,
		TSilenceMS: DefaultTSilenceMS,
	}
}

// TurnState is the subset of in-flight-turn bookkeeping the engine needs
// that isn't recoverable by re-scanning the tail alone (current byte
// count for the size trigger, and which stream is currently floor
// holder, if any).
type TurnState struct {
	HolderStream    string
	TurnBytes       int64
	SilenceRounds   int // consecutive silence-trigger rounds with no eligible holder found
}

// Decide examines tail (most-recent-last) and the live stream set and
// returns the next decision. nowMS is the caller's current wall-clock
// reading; passing it in (rather than reading time internally) is what
// keeps Decide pure and reproducible in tests.
func Decide(cfg Config, tail []event.Event, streams []registry.Stream, turn TurnState, nowMS int64) Decision {
	if dec, ok := decideShutdown(streams); ok {
		return dec
	}
	if dec, ok := decideUserTrigger(tail); ok {
		return dec
	}
	if dec, ok := decideToolTrigger(tail, turn); ok {
		return dec
	}
	if dec, ok := decideSizeTrigger(cfg, turn); ok {
		return dec
	}
	if dec, ok := decideTimeTrigger(cfg, tail, nowMS); ok {
		return dec
	}
	return decideSilenceTrigger(cfg, tail, streams, turn, nowMS)
}

// decideShutdown fires when no live agent remains eligible to hold the
// floor: every strategist/implementer slot is dead.
func decideShutdown(streams []registry.Stream) (Decision, bool) {
	liveAgents := 0
	for _, s := range streams {
		if (s.Role == event.RoleStrategist || s.Role == event.RoleImplementer) && s.State != registry.StateDead {
			liveAgents++
		}
	}
	hasAgentSlots := false
	for _, s := range streams {
		if s.Role == event.RoleStrategist || s.Role == event.RoleImplementer {
			hasAgentSlots = true
			break
		}
	}
	if hasAgentSlots && liveAgents == 0 {
		return Decision{Kind: KindShutdown, Reason: "all agents dead"}, true
	}
	return Decision{}, false
}

// decideUserTrigger proposes immediate preemption when a user/interrupt
// event has arrived and is not yet reflected by a floor_grant to user
// afterward (i.e. it is the most recent relevant event).
func decideUserTrigger(tail []event.Event) (Decision, bool) {
	for i := len(tail) - 1; i >= 0; i-- {
		ev := tail[i]
		if ev.Act == event.ActFloorGrant && ev.Role == event.RoleUser {
			return Decision{}, false // already acted upon
		}
		if ev.Act == event.ActInterrupt || (ev.Act != event.ActFloorGrant && ev.Role == event.RoleUser) {
			return Decision{Kind: KindGrantNext, Stream: ev.Stream, Reason: "user trigger"}, true
		}
		if ev.Act == event.ActFloorGrant {
			break // reached a prior grant without finding an unacted user event
		}
	}
	return Decision{}, false
}

// decideToolTrigger proposes granting the invoking agent's stream once
// its tool_end has arrived, as a one-shot elevation (spec.md §4.4 rule 2).
func decideToolTrigger(tail []event.Event, turn TurnState) (Decision, bool) {
	for i := len(tail) - 1; i >= 0; i-- {
		ev := tail[i]
		if ev.Act != event.ActToolEnd {
			continue
		}
		invoker := findInvokingStream(tail, ev)
		if invoker == "" {
			return Decision{}, false
		}
		return Decision{Kind: KindGrantNext, Stream: invoker, Reason: "tool_end trigger"}, true
	}
	return Decision{}, false
}

// findInvokingStream walks back from a tool_end to the tool_invoke it
// completes (linked by ParentSeq/TurnID) and returns the stream that
// issued the invocation.
func findInvokingStream(tail []event.Event, toolEnd event.Event) string {
	for i := len(tail) - 1; i >= 0; i-- {
		ev := tail[i]
		if ev.Act != event.ActToolInvoke {
			continue
		}
		if toolEnd.ParentSeq != nil && ev.Seq == *toolEnd.ParentSeq {
			return ev.Stream
		}
		if toolEnd.ParentSeq == nil && ev.TurnID == toolEnd.TurnID {
			return ev.Stream
		}
	}
	return ""
}

// decideSizeTrigger proposes a release once the current turn's produced
// bytes reach byte_budget.
func decideSizeTrigger(cfg Config, turn TurnState) (Decision, bool) {
	if turn.HolderStream == "" {
		return Decision{}, false
	}
	if turn.TurnBytes >= cfg.ByteBudget {
		return Decision{Kind: KindContinue, Stream: turn.HolderStream, Reason: "size trigger: release at next safe boundary"}, true
	}
	return Decision{}, false
}

// decideTimeTrigger proposes alternation once T_quiet has elapsed since
// the last floor_release, provided there is no pending user input (the
// caller already checked that above, in decideUserTrigger).
func decideTimeTrigger(cfg Config, tail []event.Event, nowMS int64) (Decision, bool) {
	lastRelease := lastEventOfAct(tail, event.ActFloorRelease)
	if lastRelease == nil {
		return Decision{}, false
	}
	if nowMS-lastRelease.EventTimeMS < cfg.TQuietMS {
		return Decision{}, false
	}
	return Decision{Kind: KindContinue, Reason: "time trigger: quiet period elapsed"}, true
}

// decideSilenceTrigger proposes granting a starvation-eligible stream
// after T_silence of inactivity, or emits idle (heartbeat-only) after
// two such silent rounds with no eligible candidate.
func decideSilenceTrigger(cfg Config, tail []event.Event, streams []registry.Stream, turn TurnState, nowMS int64) Decision {
	lastEventMS := int64(0)
	if len(tail) > 0 {
		lastEventMS = tail[len(tail)-1].EventTimeMS
	}
	if nowMS-lastEventMS < cfg.TSilenceMS {
		return Decision{Kind: KindIdle, Reason: "no trigger fired"}
	}

	candidate := starvationEligible(streams)
	if candidate == "" || turn.SilenceRounds >= 2 {
		return Decision{Kind: KindIdle, Reason: "silence trigger: heartbeat only"}
	}
	return Decision{Kind: KindGrantNext, Stream: candidate, Reason: "silence trigger"}
}

// starvationEligible returns the live, non-dead, non-backed-off agent
// stream with the oldest LastActiveMS, tie-broken by name.
func starvationEligible(streams []registry.Stream) string {
	eligible := make([]registry.Stream, 0, len(streams))
	for _, s := range streams {
		if (s.Role == event.RoleStrategist || s.Role == event.RoleImplementer) && s.State != registry.StateDead {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return ""
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].LastActiveMS != eligible[j].LastActiveMS {
			return eligible[i].LastActiveMS < eligible[j].LastActiveMS
		}
		return eligible[i].Name < eligible[j].Name
	})
	return eligible[0].Name
}

func lastEventOfAct(tail []event.Event, act event.Act) *event.Event {
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Act == act {
			return &tail[i]
		}
	}
	return nil
}
