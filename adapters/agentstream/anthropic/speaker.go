// Package anthropic is a reference turn.Speaker backed by the Anthropic
// Claude Messages API. It shows how a real model provider plugs into
// the kernel: the kernel package itself never imports this one, only
// the turn.Speaker interface it implements.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/colloquy-dev/colloquy/kernel/event"
	"github.com/colloquy-dev/colloquy/kernel/turn"
)

// MessagesClient captures the subset of the Anthropic SDK client this
// Speaker needs. *sdk.MessageService satisfies it, as does a test double.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Message is one turn of conversation history, reduced to the text-only
// shape the kernel's bus actually carries (TextPayload/ToolInvokePayload).
type Message struct {
	Role string // "user" or "assistant"
	Text string
}

// HistoryFunc supplies the conversation a turn_id should be resumed
// with. The caller typically builds this by replaying the kernel's
// Tail/Subscribe output for the requesting stream into Messages.
type HistoryFunc func(turnID string) []Message

// Options configures a Speaker.
type Options struct {
	Model       string
	System      string
	MaxTokens   int
	Temperature float64
	History     HistoryFunc
}

// Speaker drives one Claude Messages streaming call per RunTurn
// invocation, translating streamed content into turn.Chunk values.
type Speaker struct {
	msg     MessagesClient
	model   string
	system  string
	maxTok  int
	temp    float64
	history HistoryFunc

	cancel context.CancelFunc
}

// New constructs a Speaker. opts.History is optional; a nil History or
// an empty history resolves to a single synthetic user turn so the API call
// never fails for lack of messages.
func New(msg MessagesClient, opts Options) (*Speaker, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		return nil, errors.New("anthropic: max tokens must be positive")
	}
	return &Speaker{
		msg: msg, model: opts.Model, system: opts.System,
		maxTok: opts.MaxTokens, temp: opts.Temperature, history: opts.History,
	}, nil
}

// Speak issues one streaming Messages call for turnID and translates
// its events into a channel of turn.Chunk, closed once the stream ends
// or ctx is cancelled.
func (s *Speaker) Speak(ctx context.Context, turnID string) (<-chan turn.Chunk, error) {
	sctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	params, err := s.buildParams(turnID)
	if err != nil {
		cancel()
		return nil, err
	}

	stream := s.msg.NewStreaming(sctx, *params)
	if err := stream.Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("anthropic: messages.new stream: %w", err)
	}

	out := make(chan turn.Chunk, 8)
	go s.pump(sctx, cancel, stream, out)
	return out, nil
}

// SoftStop asks the in-flight stream to wind down; the turn runner
// falls back to hard-cancelling ctx at the deadline if this is ignored.
func (s *Speaker) SoftStop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Speaker) buildParams(turnID string) (*sdk.MessageNewParams, error) {
	var history []Message
	if s.history != nil {
		history = s.history(turnID)
	}
	if len(history) == 0 {
		history = []Message{{Role: "user", Text: "Continue."}}
	}

	msgs := make([]sdk.MessageParam, 0, len(history))
	for _, m := range history {
		block := sdk.NewTextBlock(m.Text)
		switch m.Role {
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		default:
			msgs = append(msgs, sdk.NewUserMessage(block))
		}
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(s.model),
		MaxTokens: int64(s.maxTok),
		Messages:  msgs,
	}
	if s.system != "" {
		params.System = []sdk.TextBlockParam{{Text: s.system}}
	}
	if s.temp > 0 {
		params.Temperature = sdk.Float(s.temp)
	}
	return params, nil
}

// pump mirrors the reference provider adapter's stream-to-chunk loop,
// reduced to the kernel's three-shape Chunk (text, tool invoke, done).
func (s *Speaker) pump(ctx context.Context, cancel context.CancelFunc, stream *ssestream.Stream[sdk.MessageStreamEventUnion], out chan<- turn.Chunk) {
	defer cancel()
	defer close(out)
	defer func() { _ = stream.Close() }()

	toolBlocks := map[int]*toolBuffer{}

	for stream.Next() {
		ev := stream.Current()
		switch e := ev.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			idx := int(e.Index)
			if toolUse, ok := e.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolBlocks[idx] = &toolBuffer{name: toolUse.Name, id: toolUse.ID}
			}
		case sdk.ContentBlockDeltaEvent:
			idx := int(e.Index)
			switch delta := e.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !emit(ctx, out, turn.Chunk{Text: delta.Text}) {
					return
				}
			case sdk.InputJSONDelta:
				if tb := toolBlocks[idx]; tb != nil {
					tb.fragments += delta.PartialJSON
				}
			}
		case sdk.ContentBlockStopEvent:
			idx := int(e.Index)
			if tb := toolBlocks[idx]; tb != nil {
				delete(toolBlocks, idx)
				args := json.RawMessage(tb.fragments)
				if len(tb.fragments) == 0 {
					args = json.RawMessage("{}")
				}
				if !emit(ctx, out, turn.Chunk{ToolInvoke: &event.ToolInvokePayload{Name: tb.name, Args: args}}) {
					return
				}
			}
		case sdk.MessageStopEvent:
			emit(ctx, out, turn.Chunk{Done: true})
			return
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		emit(ctx, out, turn.Chunk{Err: fmt.Errorf("anthropic: stream: %w", err)})
	}
}

func emit(ctx context.Context, out chan<- turn.Chunk, c turn.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

type toolBuffer struct {
	name      string
	id        string
	fragments string
}
