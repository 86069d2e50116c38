package tooladapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/colloquy-dev/colloquy/kernel/event"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	mu     sync.Mutex
	events []event.Unsealed
}

func (b *recordingBus) Append(u event.Unsealed) (event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, u)
	return event.Event{Act: u.Act, Payload: u.Payload}, nil
}

func (b *recordingBus) snapshot() []event.Unsealed {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Unsealed, len(b.events))
	copy(out, b.events)
	return out
}

const echoArgsSchema = `{
  "type": "object",
  "properties": {"message": {"type": "string"}},
  "required": ["message"]
}`

func TestRegisterCompilesSchema(t *testing.T) {
	a := New(&recordingBus{})
	err := a.Register(Spec{Name: "echo", Command: "echo", ArgsSchema: []byte(echoArgsSchema)})
	require.NoError(t, err)
}

func TestValidateArgsRejectsMissingRequiredField(t *testing.T) {
	a := New(&recordingBus{})
	require.NoError(t, a.Register(Spec{Name: "echo", Command: "echo", ArgsSchema: []byte(echoArgsSchema)}))

	err := a.ValidateArgs("echo", []byte(`{}`))
	require.Error(t, err)
}

func TestValidateArgsAcceptsConformingArgs(t *testing.T) {
	a := New(&recordingBus{})
	require.NoError(t, a.Register(Spec{Name: "echo", Command: "echo", ArgsSchema: []byte(echoArgsSchema)}))

	err := a.ValidateArgs("echo", []byte(`{"message":"hi"}`))
	require.NoError(t, err)
}

func TestValidateArgsUnknownTool(t *testing.T) {
	a := New(&recordingBus{})
	err := a.ValidateArgs("nope", []byte(`{}`))
	require.Error(t, err)
}

func TestStartStreamsStdoutAsToolChunksThenToolEnd(t *testing.T) {
	b := &recordingBus{}
	a := New(b)
	require.NoError(t, a.Register(Spec{
		Name: "echo", Command: "echo", Args: []string{"hello from tool"},
		ArgsSchema: []byte(`{"type":"object"}`),
	}))

	h, err := a.Start(context.Background(), "echo", 7, "turn-1", "tool.echo.1", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, uint64(7), h.InvokeSeq)

	require.Eventually(t, func() bool {
		for _, ev := range b.snapshot() {
			if ev.Act == event.ActToolEnd {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	var sawChunk, sawEnd bool
	for _, ev := range b.snapshot() {
		switch ev.Act {
		case event.ActToolChunk:
			sawChunk = true
			require.NotNil(t, ev.ParentSeq)
			require.Equal(t, uint64(7), *ev.ParentSeq)
			require.Equal(t, "turn-1", ev.TurnID)
		case event.ActToolEnd:
			sawEnd = true
			p := ev.Payload.(event.ToolEndPayload)
			require.Equal(t, 0, p.ExitCode)
			require.Empty(t, p.Status)
		}
	}
	require.True(t, sawChunk)
	require.True(t, sawEnd)
}

func TestStartRejectsInvalidArgsWithoutLaunching(t *testing.T) {
	b := &recordingBus{}
	a := New(b)
	require.NoError(t, a.Register(Spec{
		Name: "echo", Command: "echo",
		ArgsSchema: []byte(echoArgsSchema),
	}))

	_, err := a.Start(context.Background(), "echo", 1, "turn-1", "tool.echo.1", []byte(`{}`))
	require.Error(t, err)

	events := b.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, event.ActError, events[0].Act)
	require.Equal(t, event.ActToolEnd, events[1].Act)
	end, ok := events[1].Payload.(event.ToolEndPayload)
	require.True(t, ok)
	require.Equal(t, "errored", end.Status)
}

func TestStartCancellationReportsCancelledStatus(t *testing.T) {
	b := &recordingBus{}
	a := New(b)
	require.NoError(t, a.Register(Spec{
		Name: "sleep", Command: "sleep", Args: []string{"5"},
		ArgsSchema: []byte(`{"type":"object"}`),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := a.Start(ctx, "sleep", 1, "turn-1", "tool.sleep.1", []byte(`{}`))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	cancel()

	require.Eventually(t, func() bool {
		for _, ev := range b.snapshot() {
			if ev.Act == event.ActToolEnd {
				p := ev.Payload.(event.ToolEndPayload)
				return p.Status == "cancelled"
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
