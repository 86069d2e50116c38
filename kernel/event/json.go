package event

import (
	"encoding/json"
	"fmt"
)

// wireEvent is the flat JSONL encoding of Event: Payload is re-encoded
// into a raw message so Act can act as the discriminator on decode,
// following the reference runtime's decode-by-discriminator convention
// (see runtime/agent/planner json_unmarshal.go in the retrieved pack).
type wireEvent struct {
	Seq         uint64          `json:"seq"`
	EventTimeMS int64           `json:"event_time_ms"`
	WatermarkMS int64           `json:"watermark_ms"`
	Role        Role            `json:"role"`
	Stream      string          `json:"stream"`
	TurnID      string          `json:"turn_id"`
	Act         Act             `json:"act"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Final       bool            `json:"final,omitempty"`
	ParentSeq   *uint64         `json:"parent_seq,omitempty"`
}

// MarshalJSON encodes Event for the JSONL sink. The payload is encoded
// verbatim from its concrete type; UnmarshalJSON recovers the concrete
// type from Act.
func (e Event) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("event: marshal payload: %w", err)
		}
		raw = b
	}
	return json.Marshal(wireEvent{
		Seq:         e.Seq,
		EventTimeMS: e.EventTimeMS,
		WatermarkMS: e.WatermarkMS,
		Role:        e.Role,
		Stream:      e.Stream,
		TurnID:      e.TurnID,
		Act:         e.Act,
		Payload:     raw,
		Final:       e.Final,
		ParentSeq:   e.ParentSeq,
	})
}

// UnmarshalJSON decodes an Event from its JSONL encoding, reconstructing
// the concrete Payload type from Act.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("event: decode envelope: %w", err)
	}
	payload, err := decodePayload(w.Act, w.Payload)
	if err != nil {
		return fmt.Errorf("event: decode payload for act %q: %w", w.Act, err)
	}
	*e = Event{
		Seq:         w.Seq,
		EventTimeMS: w.EventTimeMS,
		WatermarkMS: w.WatermarkMS,
		Role:        w.Role,
		Stream:      w.Stream,
		TurnID:      w.TurnID,
		Act:         w.Act,
		Payload:     payload,
		Final:       w.Final,
		ParentSeq:   w.ParentSeq,
	}
	return nil
}

func decodePayload(act Act, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch act {
	case ActSay, ActPropose, ActAsk, ActAnswer, ActObserve, ActPlan:
		var p TextPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case ActError:
		var p ErrorPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case ActToolInvoke:
		var p ToolInvokePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case ActToolChunk:
		var p ToolChunkPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case ActToolEnd:
		var p ToolEndPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case ActDecide:
		var p DecisionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case ActFloorGrant:
		var p FloorGrantPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case ActFloorRelease:
		var p FloorReleasePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case ActInterrupt, ActHeartbeat:
		var p map[string]any
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		var p any
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
}
