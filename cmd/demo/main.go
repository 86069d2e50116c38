// Command demo wires a minimal in-process Kernel with two stub agents
// and prints every event the bus produces, mirroring the reference
// repo's in-memory demo runtime with a stub planner.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/colloquy-dev/colloquy/kernel"
	"github.com/colloquy-dev/colloquy/kernel/config"
	"github.com/colloquy-dev/colloquy/kernel/event"
	"github.com/colloquy-dev/colloquy/kernel/turn"
)

// stubSpeaker immediately answers with a fixed greeting, mirroring the
// reference repo's stubPlanner that returns a canned FinalResponse.
type stubSpeaker struct{ name string }

func (s *stubSpeaker) Speak(ctx context.Context, turnID string) (<-chan turn.Chunk, error) {
	out := make(chan turn.Chunk, 1)
	go func() {
		defer close(out)
		select {
		case out <- turn.Chunk{Text: fmt.Sprintf("Hello from %s!", s.name), Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (s *stubSpeaker) SoftStop() {}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	strategist := &stubSpeaker{name: "strategist"}
	implementer := &stubSpeaker{name: "implementer"}
	speakers := map[string]turn.Speaker{}

	k := kernel.New(kernel.Options{Config: config.Defaults()}, func(id string) (turn.Speaker, bool) {
		s, ok := speakers[id]
		return s, ok
	})

	strategistID, err := k.RegisterAgent("agent.strategist", event.RoleStrategist)
	if err != nil {
		panic(err)
	}
	implementerID, err := k.RegisterAgent("agent.implementer", event.RoleImplementer)
	if err != nil {
		panic(err)
	}
	speakers[strategistID] = strategist
	speakers[implementerID] = implementer

	sub, err := k.Subscribe(ctx, 0, 0)
	if err != nil {
		panic(err)
	}
	go func() {
		for ev := range sub.Events() {
			fmt.Printf("[%d] %s/%s: %+v\n", ev.Seq, ev.Stream, ev.Act, ev.Payload)
		}
	}()

	go func() {
		if err := k.Run(ctx); err != nil {
			fmt.Println("kernel run error:", err)
		}
	}()

	if _, err := k.PostUser("Say hi"); err != nil {
		panic(err)
	}

	<-ctx.Done()
	k.RequestShutdown("demo complete")
	if err := k.Close(); err != nil {
		fmt.Println("close error:", err)
	}
}
