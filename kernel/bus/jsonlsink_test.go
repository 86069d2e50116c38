package bus

import (
	"path/filepath"
	"testing"

	"github.com/colloquy-dev/colloquy/kernel/event"
	"github.com/stretchr/testify/require"
)

func TestJSONLSinkWriteAndRecoverLastSeq(t *testing.T) {
	dir := t.TempDir()

	sink, lastSeq, err := OpenJSONLSink(dir, WithFsyncCadence(1, 0))
	require.NoError(t, err)
	require.Equal(t, uint64(0), lastSeq)

	require.NoError(t, sink.Write(event.Event{Seq: 1, Role: event.RoleUser, Stream: "user", Act: event.ActSay, Payload: event.TextPayload{Text: "hi"}}))
	require.NoError(t, sink.Write(event.Event{Seq: 2, Role: event.RoleUser, Stream: "user", Act: event.ActSay, Payload: event.TextPayload{Text: "there"}}))
	require.NoError(t, sink.Close())

	sink2, lastSeq2, err := OpenJSONLSink(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(2), lastSeq2)
	require.NoError(t, sink2.Close())
}

func TestJSONLSinkRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	sink, _, err := OpenJSONLSink(dir, WithRotateBytes(64))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, sink.Write(event.Event{
			Seq: uint64(i + 1), Role: event.RoleUser, Stream: "user", Act: event.ActSay,
			Payload: event.TextPayload{Text: "padding-to-force-rotation"},
		}))
	}
	require.NoError(t, sink.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl"))
	require.NoError(t, err)
	require.Greater(t, len(matches), 1)

	_, lastSeq, err := OpenJSONLSink(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(20), lastSeq)
}
