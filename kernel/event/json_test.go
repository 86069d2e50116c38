package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventRoundTripPreservesPayloadType(t *testing.T) {
	seq := uint64(10)
	cases := []struct {
		name string
		ev   Event
	}{
		{
			name: "say",
			ev: Event{
				Seq: 1, EventTimeMS: 100, WatermarkMS: 90,
				Role: RoleStrategist, Stream: "agent.A", TurnID: "t1",
				Act: ActSay, Payload: TextPayload{Text: "hello"},
			},
		},
		{
			name: "tool_invoke",
			ev: Event{
				Seq: 2, EventTimeMS: 200, WatermarkMS: 190,
				Role: RoleStrategist, Stream: "agent.A", TurnID: "t1",
				Act: ActToolInvoke, Payload: ToolInvokePayload{Name: "shell", Args: json.RawMessage(`{"cmd":"echo x"}`)},
			},
		},
		{
			name: "tool_chunk",
			ev: Event{
				Seq: 3, EventTimeMS: 201, WatermarkMS: 190,
				Role: RoleTool, Stream: "tool.shell.1", TurnID: "t1",
				Act: ActToolChunk, Payload: ToolChunkPayload{Channel: ChannelStdout, Bytes: []byte("x\n")},
				ParentSeq: &seq,
			},
		},
		{
			name: "floor_release",
			ev: Event{
				Seq: 4, EventTimeMS: 300, WatermarkMS: 290,
				Role: RoleStrategist, Stream: "agent.A", TurnID: "t1",
				Act: ActFloorRelease, Payload: FloorReleasePayload{Status: ReleasePreempted}, Final: true,
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.ev)
			require.NoError(t, err)

			var got Event
			require.NoError(t, json.Unmarshal(raw, &got))
			require.Equal(t, tt.ev.Act, got.Act)
			require.Equal(t, tt.ev.Payload, got.Payload)
			require.Equal(t, tt.ev.ParentSeq, got.ParentSeq)
		})
	}
}

func TestUnsealedValidate(t *testing.T) {
	require.NoError(t, Unsealed{Role: RoleUser, Stream: "user", Act: ActSay}.Validate())
	require.Error(t, Unsealed{Role: "bogus", Stream: "user", Act: ActSay}.Validate())
	require.Error(t, Unsealed{Role: RoleUser, Stream: "user", Act: "bogus"}.Validate())
	require.Error(t, Unsealed{Role: RoleTool, Stream: "tool.shell.1", Act: ActToolChunk, TurnID: "t1"}.Validate())
	seq := uint64(1)
	require.NoError(t, Unsealed{Role: RoleTool, Stream: "tool.shell.1", Act: ActToolChunk, TurnID: "t1", ParentSeq: &seq}.Validate())
}

func TestActHoldsFloor(t *testing.T) {
	require.True(t, ActSay.HoldsFloor())
	require.False(t, ActHeartbeat.HoldsFloor())
	require.False(t, ActInterrupt.HoldsFloor())
	require.False(t, ActToolChunk.HoldsFloor())
	require.False(t, ActToolEnd.HoldsFloor())
}
