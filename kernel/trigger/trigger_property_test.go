package trigger

import (
	"testing"

	"github.com/colloquy-dev/colloquy/kernel/event"
	"github.com/colloquy-dev/colloquy/kernel/registry"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestDecideIsPureAndIdempotent verifies spec.md §4.5's core contract:
// re-running the engine on the same tail and stream state yields the
// same decision, for arbitrary tails built from the closed Act set.
func TestDecideIsPureAndIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Decide(tail) == Decide(tail) for any generated tail", prop.ForAll(
		func(tc decideTestCase) bool {
			streams := []registry.Stream{
				{Name: "agent.A", Role: event.RoleStrategist, State: registry.StateIdle, LastActiveMS: tc.lastActiveA},
				{Name: "agent.B", Role: event.RoleImplementer, State: registry.StateIdle, LastActiveMS: tc.lastActiveB},
			}
			cfg := DefaultConfig()
			turn := TurnState{TurnBytes: tc.turnBytes}

			d1 := Decide(cfg, tc.tail, streams, turn, tc.nowMS)
			d2 := Decide(cfg, tc.tail, streams, turn, tc.nowMS)
			return d1 == d2
		},
		genDecideTestCase(),
	))

	properties.TestingRun(t)
}

// TestDecideNeverMutatesInputTail checks that Decide does not write
// through the tail slice it is given (pure means read-only on its
// inputs too), by re-comparing the tail after the call.
func TestDecideNeverMutatesInputTail(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tail contents unchanged after Decide", prop.ForAll(
		func(tc decideTestCase) bool {
			before := append([]event.Event(nil), tc.tail...)
			streams := []registry.Stream{
				{Name: "agent.A", Role: event.RoleStrategist, State: registry.StateIdle, LastActiveMS: tc.lastActiveA},
			}
			Decide(DefaultConfig(), tc.tail, streams, TurnState{}, tc.nowMS)
			if len(before) != len(tc.tail) {
				return false
			}
			for i := range before {
				if before[i] != tc.tail[i] {
					return false
				}
			}
			return true
		},
		genDecideTestCase(),
	))

	properties.TestingRun(t)
}

type decideTestCase struct {
	tail        []event.Event
	nowMS       int64
	turnBytes   int64
	lastActiveA int64
	lastActiveB int64
}

var genActs = []event.Act{
	event.ActSay, event.ActToolInvoke, event.ActToolEnd,
	event.ActFloorGrant, event.ActFloorRelease, event.ActHeartbeat,
}

func genEvent() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, len(genActs)-1),
		gen.Int64Range(0, 100000),
		gen.OneConstOf("agent.A", "agent.B", "user"),
	).Map(func(vals []any) event.Event {
		act := genActs[vals[0].(int)]
		ts := vals[1].(int64)
		stream := vals[2].(string)
		role := event.RoleStrategist
		if stream == "user" {
			role = event.RoleUser
		}
		return event.Event{
			EventTimeMS: ts,
			WatermarkMS: ts,
			Role:        role,
			Stream:      stream,
			TurnID:      "t1",
			Act:         act,
		}
	})
}

func genDecideTestCase() gopter.Gen {
	return gopter.CombineGens(
		gen.SliceOfN(5, genEvent()),
		gen.Int64Range(0, 200000),
		gen.Int64Range(0, 8192),
		gen.Int64Range(0, 100000),
		gen.Int64Range(0, 100000),
	).Map(func(vals []any) decideTestCase {
		return decideTestCase{
			tail:        vals[0].([]event.Event),
			nowMS:       vals[1].(int64),
			turnBytes:   vals[2].(int64),
			lastActiveA: vals[3].(int64),
			lastActiveB: vals[4].(int64),
		}
	})
}
