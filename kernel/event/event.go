// Package event defines the immutable Event record that flows through
// the Orchestrator Kernel's bus, along with the closed Role and Act
// enumerations and the tagged-variant payload shapes for each speech
// act. An Event is sealed by the bus at append time: seq, EventTimeMS,
// and WatermarkMS are assigned there, never by the producer.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Role is the closed set of participant roles an event's Stream can
// belong to.
type Role string

const (
	RoleStrategist  Role = "strategist"
	RoleImplementer Role = "implementer"
	RoleTool        Role = "tool"
	RoleUser        Role = "user"
	RoleSystem      Role = "system"
)

// Act is the closed set of speech-act tags. Every Event carries exactly
// one Act, which determines how Payload should be interpreted.
type Act string

const (
	ActSay           Act = "say"
	ActPropose       Act = "propose"
	ActAsk           Act = "ask"
	ActAnswer        Act = "answer"
	ActObserve       Act = "observe"
	ActPlan          Act = "plan"
	ActDecide        Act = "decide"
	ActToolInvoke    Act = "tool_invoke"
	ActToolChunk     Act = "tool_chunk"
	ActToolEnd       Act = "tool_end"
	ActInterrupt     Act = "interrupt"
	ActFloorGrant    Act = "floor_grant"
	ActFloorRelease  Act = "floor_release"
	ActError         Act = "error"
	ActHeartbeat     Act = "heartbeat"
)

// ToolChannel identifies which subprocess stream a tool_chunk payload
// originated from.
type ToolChannel string

const (
	ChannelStdout ToolChannel = "stdout"
	ChannelStderr ToolChannel = "stderr"
)

// ReleaseStatus is the closed set of terminal statuses carried by a
// floor_release event, per spec.md invariant 6 and the Turn record's
// Status field.
type ReleaseStatus string

const (
	ReleaseCompleted ReleaseStatus = "completed"
	ReleasePreempted ReleaseStatus = "preempted"
	ReleaseErrored   ReleaseStatus = "errored"
	ReleaseTimedOut  ReleaseStatus = "timed_out"
)

type (
	// TextPayload carries a streamed text chunk for say/propose/ask/answer/
	// plan/observe acts.
	TextPayload struct {
		Text    string `json:"text"`
		Partial bool   `json:"partial,omitempty"`
	}

	// ToolInvokePayload carries a tool invocation request emitted by an
	// agent turn. It never transfers the floor (spec.md §4.6 rule 5).
	ToolInvokePayload struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args,omitempty"`
	}

	// ToolChunkPayload carries one chunk of subprocess output. ToolChunk
	// events are the one exception to floor ownership (invariant 4) and
	// must carry ParentSeq/TurnID linking them to their tool_invoke.
	ToolChunkPayload struct {
		Channel ToolChannel `json:"channel"`
		Bytes   []byte      `json:"bytes"`
	}

	// ToolEndPayload carries tool completion metadata.
	ToolEndPayload struct {
		ExitCode int    `json:"exit_code"`
		Status   string `json:"status,omitempty"` // "" | "cancelled" | "errored"
	}

	// DecisionPayload carries a structured key/value decision, used by
	// ActDecide. ActPropose payloads are decoded as TextPayload.
	DecisionPayload struct {
		Fields map[string]any `json:"fields"`
	}

	// FloorGrantPayload marks the start of a turn.
	FloorGrantPayload struct {
		Reason string `json:"reason,omitempty"`
	}

	// FloorReleasePayload marks the terminal event of a turn.
	FloorReleasePayload struct {
		Status ReleaseStatus `json:"status"`
		Reason string        `json:"reason,omitempty"`
	}

	// ErrorPayload carries a redacted error description.
	ErrorPayload struct {
		Message string `json:"message"`
	}

	// Event is the immutable record appended to the bus. Once sealed by
	// Bus.Append, none of its fields are ever rewritten.
	Event struct {
		// Seq is strictly increasing and gap-free per process lifetime;
		// assigned at bus append.
		Seq uint64 `json:"seq"`
		// EventTimeMS is the wall-clock time of production (UTC ms).
		EventTimeMS int64 `json:"event_time_ms"`
		// WatermarkMS is monotonic non-decreasing; WatermarkMS <= EventTimeMS.
		WatermarkMS int64 `json:"watermark_ms"`
		// Role is the speaker's role.
		Role Role `json:"role"`
		// Stream is the producer name (e.g. "agent.A", "tool.shell.1", "user").
		Stream string `json:"stream"`
		// TurnID is the ULID of the turn that produced this event.
		TurnID string `json:"turn_id"`
		// Act is the speech-act tag.
		Act Act `json:"act"`
		// Payload is the act-specific variant; see the *Payload types above.
		Payload any `json:"payload,omitempty"`
		// Final is true on the last event of a turn.
		Final bool `json:"final,omitempty"`
		// ParentSeq optionally links answers/observations/tool_chunks to
		// their originating question/invocation.
		ParentSeq *uint64 `json:"parent_seq,omitempty"`
	}
)

// NewTurnID generates a new time-ordered ULID suitable for Event.TurnID.
// ULIDs are lexically sortable by creation time, which keeps turn
// identifiers useful for debugging even outside of seq order.
func NewTurnID() string {
	return ulid.Make().String()
}

// Unsealed is a partial event as constructed by a producer, before the
// bus assigns Seq/EventTimeMS/WatermarkMS. Append takes an Unsealed and
// returns a sealed Event.
type Unsealed struct {
	Role      Role
	Stream    string
	TurnID    string
	Act       Act
	Payload   any
	Final     bool
	ParentSeq *uint64
}

// Validate checks the closed-set fields and the structural invariants
// that do not require bus state (seq/watermark ordering is the bus's
// responsibility). It rejects events that could never satisfy spec.md's
// invariants regardless of where they land in the log.
func (u Unsealed) Validate() error {
	switch u.Role {
	case RoleStrategist, RoleImplementer, RoleTool, RoleUser, RoleSystem:
	default:
		return fmt.Errorf("event: invalid role %q", u.Role)
	}
	switch u.Act {
	case ActSay, ActPropose, ActAsk, ActAnswer, ActObserve, ActPlan, ActDecide,
		ActToolInvoke, ActToolChunk, ActToolEnd, ActInterrupt,
		ActFloorGrant, ActFloorRelease, ActError, ActHeartbeat:
	default:
		return fmt.Errorf("event: invalid act %q", u.Act)
	}
	if u.Stream == "" && u.Act != ActHeartbeat {
		return fmt.Errorf("event: stream is required for act %q", u.Act)
	}
	if u.Act == ActToolChunk && u.ParentSeq == nil {
		return fmt.Errorf("event: tool_chunk requires parent_seq")
	}
	if (u.Act == ActToolChunk || u.Act == ActToolEnd) && u.TurnID == "" {
		return fmt.Errorf("event: %q requires turn_id", u.Act)
	}
	return nil
}

// HoldsFloor reports whether events of this act must carry the current
// floor-holder's stream identity (invariant 3). tool_chunk and tool_end
// are both produced asynchronously by a tool stream and are exempt, the
// same way interrupt and heartbeat events are: see DESIGN.md for the
// resolution of this ambiguity in spec.md's invariant 3/4 wording.
func (a Act) HoldsFloor() bool {
	switch a {
	case ActInterrupt, ActHeartbeat, ActToolChunk, ActToolEnd:
		return false
	default:
		return true
	}
}
