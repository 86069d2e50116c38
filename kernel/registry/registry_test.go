package registry

import (
	"testing"

	"github.com/colloquy-dev/colloquy/kernel/event"
	"github.com/stretchr/testify/require"
)

func TestRegisterEnforcesNameUniqueness(t *testing.T) {
	r := New()
	_, err := r.Register("agent.A", event.RoleStrategist, nil)
	require.NoError(t, err)

	_, err = r.Register("agent.A", event.RoleImplementer, nil)
	require.ErrorIs(t, err, ErrDuplicateName)
}

func TestRegisterEnforcesToolCapacity(t *testing.T) {
	r := New(WithMaxToolStreams(2))
	_, err := r.Register("tool.shell.1", event.RoleTool, nil)
	require.NoError(t, err)
	_, err = r.Register("tool.shell.2", event.RoleTool, nil)
	require.NoError(t, err)
	_, err = r.Register("tool.shell.3", event.RoleTool, nil)
	require.ErrorIs(t, err, ErrToolCapacity)
}

func TestDeregisterFreesNameAndCapacity(t *testing.T) {
	r := New(WithMaxToolStreams(1))
	id, err := r.Register("tool.shell.1", event.RoleTool, nil)
	require.NoError(t, err)

	r.Deregister(id)
	_, err = r.Register("tool.shell.1", event.RoleTool, nil)
	require.NoError(t, err)
}

func TestSetStateStampsLastActiveOnSpeaking(t *testing.T) {
	r := New()
	id, err := r.Register("agent.A", event.RoleStrategist, nil)
	require.NoError(t, err)

	require.NoError(t, r.SetState(id, StateSpeaking, 12345))
	s, err := r.Get(id)
	require.NoError(t, err)
	require.Equal(t, StateSpeaking, s.State)
	require.Equal(t, int64(12345), s.LastActiveMS)
}

func TestSetStateUnknownStream(t *testing.T) {
	r := New()
	require.ErrorIs(t, r.SetState("nope", StateIdle, 0), ErrUnknownStream)
}

func TestMarkBytesAccumulatesAndFloorsAtZero(t *testing.T) {
	r := New()
	id, err := r.Register("tool.shell.1", event.RoleTool, nil)
	require.NoError(t, err)

	require.NoError(t, r.MarkBytes(id, 100))
	require.NoError(t, r.MarkBytes(id, -150))
	s, err := r.Get(id)
	require.NoError(t, err)
	require.Equal(t, int64(0), s.PendingBytes)
}

func TestListLiveExcludesDeadAndOrdersByName(t *testing.T) {
	r := New()
	idB, err := r.Register("agent.B", event.RoleImplementer, nil)
	require.NoError(t, err)
	_, err = r.Register("agent.A", event.RoleStrategist, nil)
	require.NoError(t, err)

	require.NoError(t, r.SetState(idB, StateDead, 0))
	live := r.ListLive()
	require.Len(t, live, 1)
	require.Equal(t, "agent.A", live[0].Name)
}
