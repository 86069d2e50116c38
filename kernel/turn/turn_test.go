package turn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/colloquy-dev/colloquy/kernel/bus"
	"github.com/colloquy-dev/colloquy/kernel/event"
	"github.com/colloquy-dev/colloquy/kernel/floor"
	"github.com/colloquy-dev/colloquy/kernel/preempt"
	"github.com/colloquy-dev/colloquy/kernel/registry"
	"github.com/stretchr/testify/require"
)

type scriptedSpeaker struct {
	chunks       []Chunk
	softStopped  bool
	blockUntilCh chan struct{}
}

func (s *scriptedSpeaker) Speak(ctx context.Context, turnID string) (<-chan Chunk, error) {
	out := make(chan Chunk, len(s.chunks)+1)
	go func() {
		defer close(out)
		for _, c := range s.chunks {
			if s.blockUntilCh != nil {
				select {
				case <-s.blockUntilCh:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *scriptedSpeaker) SoftStop() { s.softStopped = true }

func newTestRunner(t *testing.T, speaker Speaker) (*Runner, *bus.Bus, *registry.Registry, floor.Grant) {
	t.Helper()
	b := bus.New(0)
	reg := registry.New()
	mux := preempt.NewMux()
	streamID, err := reg.Register("agent.A", event.RoleStrategist, nil)
	require.NoError(t, err)

	cfg := Config{FlushBytes: 8, FlushMS: 20, GraceMS: 20}
	r := New(cfg, b, reg, mux, func(id string) (Speaker, bool) {
		if id != streamID {
			return nil, false
		}
		return speaker, true
	})

	grant := floor.Grant{
		StreamID: streamID, StreamName: "agent.A", Role: event.RoleStrategist,
		TurnID: event.NewTurnID(), DeadlineMS: time.Now().Add(time.Second).UnixMilli(),
	}
	return r, b, reg, grant
}

func TestRunTurnFlushesAndCompletes(t *testing.T) {
	speaker := &scriptedSpeaker{chunks: []Chunk{
		{Text: "hello "}, {Text: "world", Done: true},
	}}
	r, b, _, grant := newTestRunner(t, speaker)

	result := r.RunTurn(context.Background(), grant)
	require.Equal(t, event.ReleaseCompleted, result.Status)
	require.Greater(t, result.BytesSent, int64(0))

	tail := b.Tail(10)
	require.NotEmpty(t, tail)
	require.Equal(t, event.ActSay, tail[len(tail)-1].Act)
}

func TestRunTurnForwardsToolInvokeWithoutTransferringFloor(t *testing.T) {
	invoke := &event.ToolInvokePayload{Name: "search"}
	speaker := &scriptedSpeaker{chunks: []Chunk{
		{ToolInvoke: invoke}, {Text: "done", Done: true},
	}}
	r, b, _, grant := newTestRunner(t, speaker)

	result := r.RunTurn(context.Background(), grant)
	require.Equal(t, event.ReleaseCompleted, result.Status)

	var sawInvoke bool
	for _, ev := range b.Tail(10) {
		if ev.Act == event.ActToolInvoke {
			sawInvoke = true
			require.Equal(t, grant.TurnID, ev.TurnID)
		}
	}
	require.True(t, sawInvoke)
}

func TestRunTurnHandlesSpeakerError(t *testing.T) {
	speaker := &scriptedSpeaker{chunks: []Chunk{
		{Text: "partial "}, {Err: errors.New("boom api_key=abcdefgh12345678")},
	}}
	r, b, _, grant := newTestRunner(t, speaker)

	result := r.RunTurn(context.Background(), grant)
	require.Equal(t, event.ReleaseErrored, result.Status)
	require.NotContains(t, result.Reason, "abcdefgh12345678")

	var sawError bool
	for _, ev := range b.Tail(10) {
		if ev.Act == event.ActError {
			sawError = true
			p := ev.Payload.(event.ErrorPayload)
			require.NotContains(t, p.Message, "abcdefgh12345678")
		}
	}
	require.True(t, sawError)
}

func TestRunTurnPreemptionDrainsPartialAndReleasesPreempted(t *testing.T) {
	block := make(chan struct{})
	speaker := &scriptedSpeaker{
		chunks:       []Chunk{{Text: "first "}, {Text: "second", Done: true}},
		blockUntilCh: block,
	}
	b := bus.New(0)
	reg := registry.New()
	mux := preempt.NewMux()
	streamID, err := reg.Register("agent.A", event.RoleStrategist, nil)
	require.NoError(t, err)

	cfg := Config{FlushBytes: 256, FlushMS: 5000, GraceMS: 20}
	r := New(cfg, b, reg, mux, func(id string) (Speaker, bool) { return speaker, true })
	_ = cfg

	grant := floor.Grant{
		StreamID: streamID, StreamName: "agent.A", Role: event.RoleStrategist,
		TurnID: event.NewTurnID(), DeadlineMS: time.Now().Add(time.Minute).UnixMilli(),
	}

	done := make(chan floor.Result, 1)
	go func() { done <- r.RunTurn(context.Background(), grant) }()

	// Allow the first unblocked send loop iteration to start, then fire
	// the mux before any chunk completes.
	time.Sleep(10 * time.Millisecond)
	mux.Fire(preempt.Signal{Source: preempt.SourceUser, Reason: "user interjected"})

	select {
	case result := <-done:
		require.Equal(t, event.ReleasePreempted, result.Status)
	case <-time.After(time.Second):
		t.Fatal("RunTurn did not return after preemption")
	}
}

func TestRunTurnSelfReleasesOnByteBudgetAfterTMin(t *testing.T) {
	speaker := &scriptedSpeaker{chunks: []Chunk{
		{Text: "0123456789"}, {Text: "0123456789"}, {Text: "0123456789", Done: true},
	}}
	b := bus.New(0)
	reg := registry.New()
	mux := preempt.NewMux()
	streamID, err := reg.Register("agent.A", event.RoleStrategist, nil)
	require.NoError(t, err)

	cfg := Config{FlushBytes: 8, FlushMS: 20, GraceMS: 20, ByteBudget: 15}
	r := New(cfg, b, reg, mux, func(id string) (Speaker, bool) { return speaker, true })

	grant := floor.Grant{
		StreamID: streamID, StreamName: "agent.A", Role: event.RoleStrategist,
		TurnID: event.NewTurnID(), DeadlineMS: time.Now().Add(time.Second).UnixMilli(),
		MinFloorMS: time.Now().Add(-time.Second).UnixMilli(),
	}

	result := r.RunTurn(context.Background(), grant)
	require.Equal(t, event.ReleaseCompleted, result.Status)
	require.Equal(t, "byte_budget", result.Reason)
	require.GreaterOrEqual(t, result.BytesSent, int64(15))
	require.True(t, speaker.softStopped)
}

func TestRunTurnByteBudgetDoesNotReleaseBeforeTMin(t *testing.T) {
	speaker := &scriptedSpeaker{chunks: []Chunk{
		{Text: "0123456789"}, {Text: "0123456789"}, {Text: "0123456789", Done: true},
	}}
	b := bus.New(0)
	reg := registry.New()
	mux := preempt.NewMux()
	streamID, err := reg.Register("agent.A", event.RoleStrategist, nil)
	require.NoError(t, err)

	cfg := Config{FlushBytes: 8, FlushMS: 20, GraceMS: 20, ByteBudget: 15}
	r := New(cfg, b, reg, mux, func(id string) (Speaker, bool) { return speaker, true })

	grant := floor.Grant{
		StreamID: streamID, StreamName: "agent.A", Role: event.RoleStrategist,
		TurnID: event.NewTurnID(), DeadlineMS: time.Now().Add(time.Second).UnixMilli(),
		MinFloorMS: time.Now().Add(time.Minute).UnixMilli(),
	}

	result := r.RunTurn(context.Background(), grant)
	require.Equal(t, event.ReleaseCompleted, result.Status)
	require.NotEqual(t, "byte_budget", result.Reason, "T_min has not elapsed; the turn must run to natural completion")
}

func TestRunTurnNoSpeakerRegisteredIsErrored(t *testing.T) {
	b := bus.New(0)
	reg := registry.New()
	mux := preempt.NewMux()
	r := New(Config{FlushBytes: 8, FlushMS: 20, GraceMS: 20}, b, reg, mux, func(string) (Speaker, bool) { return nil, false })

	grant := floor.Grant{StreamID: "missing", StreamName: "agent.A", Role: event.RoleStrategist, TurnID: event.NewTurnID(), DeadlineMS: time.Now().Add(time.Second).UnixMilli()}
	result := r.RunTurn(context.Background(), grant)
	require.Equal(t, event.ReleaseErrored, result.Status)
}
