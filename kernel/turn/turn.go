// Package turn implements the Orchestrator Kernel's Turn Runner: it
// runs exactly one turn for the floor holder the Floor Controller just
// granted, streaming the speaker's output into chunked content events
// while honoring deadlines and cooperative cancellation.
package turn

import (
	"context"
	"errors"
	"time"

	"github.com/colloquy-dev/colloquy/kernel/event"
	"github.com/colloquy-dev/colloquy/kernel/floor"
	"github.com/colloquy-dev/colloquy/kernel/preempt"
	"github.com/colloquy-dev/colloquy/kernel/redact"
	"github.com/colloquy-dev/colloquy/kernel/registry"
	"github.com/colloquy-dev/colloquy/kernel/telemetry"
)

// Default tunables (turn.flush_bytes, turn.flush_ms, turn.grace_ms,
// turn.byte_budget).
const (
	DefaultFlushBytes = 256
	DefaultFlushMS    = 120
	DefaultGraceMS    = 500
	DefaultByteBudget = 4096
)

// Config holds the tunable thresholds read from kernel configuration.
type Config struct {
	FlushBytes int
	FlushMS    int64
	GraceMS    int64
	// ByteBudget is the size trigger from spec.md §4.5 scenario 4: once
	// a turn has sent at least this many bytes (and has held the floor
	// for at least its grant's T_min), the runner self-releases at the
	// next flush boundary rather than waiting for T_max. Zero disables
	// the check.
	ByteBudget int64
}

// DefaultConfig returns the spec-default tuning.
func DefaultConfig() Config {
	return Config{FlushBytes: DefaultFlushBytes, FlushMS: DefaultFlushMS, GraceMS: DefaultGraceMS, ByteBudget: DefaultByteBudget}
}

// Chunk is one unit of output from a Speaker. Exactly one of Text,
// ToolInvoke, or Err should be set; Done marks normal completion with
// no further chunks to follow.
type Chunk struct {
	Text       string
	ToolInvoke *event.ToolInvokePayload
	Err        error
	Done       bool
}

// Speaker is the capability the Turn Runner drives: an agent's
// speak(ctx, prompt) or a tool's run(ctx, invocation), both reduced to
// the same async-chunks shape. SoftStop is called at deadline-grace to
// ask the speaker to wind down cooperatively; the speaker may ignore
// it, in which case the runner hard-cancels ctx at the deadline.
type Speaker interface {
	Speak(ctx context.Context, turnID string) (<-chan Chunk, error)
	SoftStop()
}

// BusAppender is the subset of *bus.Bus the runner needs.
type BusAppender interface {
	Append(u event.Unsealed) (event.Event, error)
}

// Runner implements floor.Runner, driving one turn to completion.
type Runner struct {
	cfg      Config
	bus      BusAppender
	reg      *registry.Registry
	mux      *preempt.Mux
	speakers func(streamID string) (Speaker, bool)
	redactor redact.Func
	tel      telemetry.Telemetry
	nowFn    func() int64
}

// Option configures a Runner at construction.
type Option func(*Runner)

// WithTelemetry attaches a Telemetry bundle.
func WithTelemetry(t telemetry.Telemetry) Option {
	return func(r *Runner) { r.tel = t }
}

// WithRedactor overrides the default redaction applied to error
// messages emitted on speaker failure (spec.md §4.6 rule 4). Bus-level
// redaction (spec.md §4.8) still applies independently to every
// appended text/tool-bytes payload; this redactor covers the message
// the runner constructs before handing it to the bus.
func WithRedactor(r redact.Func) Option {
	return func(runner *Runner) { runner.redactor = r }
}

// withNowFunc overrides the wall-clock source, for tests only.
func withNowFunc(f func() int64) Option {
	return func(r *Runner) { r.nowFn = f }
}

// New constructs a Runner. speakers resolves a granted stream_id to its
// Speaker capability; it returns false if the stream has none
// registered (a configuration error the runner reports as an errored
// release rather than panicking).
func New(cfg Config, b BusAppender, reg *registry.Registry, mux *preempt.Mux, speakers func(streamID string) (Speaker, bool), opts ...Option) *Runner {
	r := &Runner{
		cfg:      cfg,
		bus:      b,
		reg:      reg,
		mux:      mux,
		speakers: speakers,
		redactor: redact.Default,
		tel:      telemetry.NewNoop(),
		nowFn:    func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var errNoSpeaker = errors.New("turn: no speaker registered for stream")

// RunTurn implements floor.Runner.
func (r *Runner) RunTurn(ctx context.Context, g floor.Grant) floor.Result {
	// The mux is a one-shot latch per signal: once it has fired, rearm
	// it after this turn returns so the *next* grant starts from a
	// clean slate instead of being cancelled instantly by a signal this
	// turn already observed (or raced past). Without this, one user
	// message would preempt every turn for the rest of the kernel's
	// life. Shutdown signals are exempted by Rearm itself.
	defer r.rearmIfConsumed()

	speaker, ok := r.speakers(g.StreamID)
	if !ok {
		r.appendError(g, errNoSpeaker.Error())
		return floor.Result{Status: event.ReleaseErrored, Reason: errNoSpeaker.Error()}
	}

	turnCtx, cancelTurn := r.mux.Derive(ctx)
	defer cancelTurn()
	deadlineCtx, cancelDeadline := context.WithDeadline(turnCtx, time.UnixMilli(g.DeadlineMS))
	defer cancelDeadline()

	graceDeadline := g.DeadlineMS - r.cfg.GraceMS
	graceTimer := r.armGrace(graceDeadline, speaker)
	defer graceTimer.Stop()

	chunks, err := speaker.Speak(deadlineCtx, g.TurnID)
	if err != nil {
		r.appendError(g, err.Error())
		return floor.Result{Status: event.ReleaseErrored, Reason: err.Error()}
	}

	return r.pump(deadlineCtx, g, chunks, speaker)
}

func (r *Runner) rearmIfConsumed() {
	if sig, fired := r.mux.Fired(); fired && sig.Source != preempt.SourceShutdown {
		r.mux.Rearm()
	}
}

func (r *Runner) armGrace(graceDeadlineMS int64, speaker Speaker) *time.Timer {
	delay := time.Duration(graceDeadlineMS-r.nowFn()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	return time.AfterFunc(delay, speaker.SoftStop)
}

// budgetMet reports whether the size trigger (spec.md §4.5 scenario 4)
// should end this turn: enough bytes have been sent, and the grant's
// T_min has elapsed, so releasing early does not violate spec.md §4.4
// rule 3 ("an agent cannot lose the floor before T_min unless
// preempted").
func (r *Runner) budgetMet(g floor.Grant, totalBytes int64) bool {
	return r.cfg.ByteBudget > 0 && totalBytes >= r.cfg.ByteBudget && r.nowFn() >= g.MinFloorMS
}

// pump reads chunks until the speaker signals Done, errors, the size
// trigger's byte budget is reached, or ctx is cancelled (deadline or
// preemption), buffering text into flush-sized content events and
// forwarding tool_invoke chunks immediately (they never transfer the
// floor; spec.md §4.6 rule 5).
func (r *Runner) pump(ctx context.Context, g floor.Grant, chunks <-chan Chunk, speaker Speaker) floor.Result {
	var buf []byte
	var totalBytes int64
	lastFlush := r.nowFn()

	flush := func(partial bool) {
		if len(buf) == 0 {
			return
		}
		text := string(buf)
		if r.redactor != nil {
			text = string(r.redactor([]byte(text)))
		}
		_, _ = r.bus.Append(event.Unsealed{
			Role: g.Role, Stream: g.StreamName, TurnID: g.TurnID,
			Act: event.ActSay, Payload: event.TextPayload{Text: text, Partial: partial},
		})
		totalBytes += int64(len(buf))
		buf = buf[:0]
		lastFlush = r.nowFn()
		if r.reg != nil {
			_ = r.reg.MarkBytes(g.StreamID, int64(len(text)))
		}
	}

	ticker := time.NewTicker(time.Duration(r.cfg.FlushMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flush(true)
			status := event.ReleasePreempted
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				status = event.ReleaseTimedOut
			}
			return floor.Result{Status: status, BytesSent: totalBytes}

		case <-ticker.C:
			if r.nowFn()-lastFlush >= r.cfg.FlushMS {
				flush(true)
			}
			if r.budgetMet(g, totalBytes) {
				speaker.SoftStop()
				return floor.Result{Status: event.ReleaseCompleted, Reason: "byte_budget", BytesSent: totalBytes}
			}

		case c, ok := <-chunks:
			if !ok {
				flush(false)
				return floor.Result{Status: event.ReleaseCompleted, BytesSent: totalBytes}
			}
			if c.Err != nil {
				flush(true)
				msg := c.Err.Error()
				if r.redactor != nil {
					msg = string(r.redactor([]byte(msg)))
				}
				r.appendError(g, msg)
				return floor.Result{Status: event.ReleaseErrored, Reason: msg, BytesSent: totalBytes}
			}
			if c.ToolInvoke != nil {
				_, _ = r.bus.Append(event.Unsealed{
					Role: g.Role, Stream: g.StreamName, TurnID: g.TurnID,
					Act: event.ActToolInvoke, Payload: *c.ToolInvoke,
				})
				continue
			}
			buf = append(buf, c.Text...)
			if len(buf) >= r.cfg.FlushBytes {
				flush(true)
			}
			if c.Done {
				flush(false)
				return floor.Result{Status: event.ReleaseCompleted, BytesSent: totalBytes}
			}
			if r.budgetMet(g, totalBytes) {
				speaker.SoftStop()
				return floor.Result{Status: event.ReleaseCompleted, Reason: "byte_budget", BytesSent: totalBytes}
			}
		}
	}
}

func (r *Runner) appendError(g floor.Grant, message string) {
	if r.redactor != nil {
		message = string(r.redactor([]byte(message)))
	}
	_, _ = r.bus.Append(event.Unsealed{
		Role: g.Role, Stream: g.StreamName, TurnID: g.TurnID,
		Act: event.ActError, Payload: event.ErrorPayload{Message: message},
	})
}
