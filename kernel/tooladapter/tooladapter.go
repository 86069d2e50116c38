// Package tooladapter implements the Orchestrator Kernel's Tool Adapter
// Contract: a kernel-side shim that starts a tool subprocess, validates
// its invocation arguments against a JSON schema, and converts its
// stdout/stderr into tool_chunk/tool_end events without ever requiring
// the floor (spec.md §4.6 rule 5, invariant 4's tool_chunk exemption).
package tooladapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/colloquy-dev/colloquy/kernel/event"
	"github.com/colloquy-dev/colloquy/kernel/redact"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Default tunable (tool.chunk_bytes): the read buffer size used when
// streaming subprocess output into tool_chunk events.
const DefaultChunkBytes = 4096

// Spec describes one registered tool adapter: the command to exec and
// the JSON schema its invocation Args must satisfy.
type Spec struct {
	Name       string
	Command    string
	Args       []string
	Env        map[string]string
	ArgsSchema []byte // required; compiled by Adapter.Register
}

// BusAppender is the subset of *bus.Bus the adapter needs.
type BusAppender interface {
	Append(u event.Unsealed) (event.Event, error)
}

// Handle identifies one running tool invocation.
type Handle struct {
	ToolName   string
	InvokeSeq  uint64
	TurnID     string
	StreamName string
}

// Adapter starts and supervises tool subprocesses on behalf of the
// kernel, validating invocations and streaming their output onto the
// bus as the invoking agent's turn continues or after it releases the
// floor — tool output is never gated on floor ownership.
type Adapter struct {
	mu         sync.Mutex
	specs      map[string]compiledSpec
	bus        BusAppender
	redactor   redact.Func
	chunkBytes int
}

type compiledSpec struct {
	spec   Spec
	schema *jsonschema.Schema
}

// Option configures an Adapter at construction.
type Option func(*Adapter)

// WithRedactor overrides the default redaction applied to tool byte
// output before it is appended to the bus. Bus-level redaction
// (spec.md §4.8) applies independently on top of this.
func WithRedactor(r redact.Func) Option {
	return func(a *Adapter) { a.redactor = r }
}

// WithChunkBytes overrides DefaultChunkBytes.
func WithChunkBytes(n int) Option {
	return func(a *Adapter) { a.chunkBytes = n }
}

// New constructs an Adapter bound to a bus.
func New(b BusAppender, opts ...Option) *Adapter {
	a := &Adapter{
		specs:      make(map[string]compiledSpec),
		bus:        b,
		redactor:   redact.Default,
		chunkBytes: DefaultChunkBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register compiles and stores a tool's invocation schema. Calling
// Register twice for the same name replaces the prior spec.
func (a *Adapter) Register(spec Spec) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(spec.ArgsSchema))
	if err != nil {
		return fmt.Errorf("tooladapter: decoding schema for %q: %w", spec.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(spec.Name+".json", doc); err != nil {
		return fmt.Errorf("tooladapter: compiling schema for %q: %w", spec.Name, err)
	}
	schema, err := compiler.Compile(spec.Name + ".json")
	if err != nil {
		return fmt.Errorf("tooladapter: compiling schema for %q: %w", spec.Name, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.specs[spec.Name] = compiledSpec{spec: spec, schema: schema}
	return nil
}

// ValidateArgs checks raw invocation args against the named tool's
// registered schema.
func (a *Adapter) ValidateArgs(name string, args json.RawMessage) error {
	a.mu.Lock()
	cs, ok := a.specs[name]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("tooladapter: unknown tool %q", name)
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("tooladapter: invalid args JSON: %w", err)
	}
	if err := cs.schema.Validate(v); err != nil {
		return fmt.Errorf("tooladapter: args for %q failed validation: %w", name, err)
	}
	return nil
}

// Start validates args against the named tool's schema, launches the
// tool's subprocess with its configured Command/Args/Env, and begins
// streaming stdout/stderr into tool_chunk events linked to invokeSeq
// and turnID. The args are not passed to the subprocess. It returns
// once the process has started; output
// streaming and exit detection happen asynchronously. Cancelling ctx
// kills the subprocess and emits a tool_end event with status
// "cancelled".
func (a *Adapter) Start(ctx context.Context, name string, invokeSeq uint64, turnID, streamName string, args json.RawMessage) (*Handle, error) {
	a.mu.Lock()
	cs, ok := a.specs[name]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tooladapter: unknown tool %q", name)
	}
	if err := a.ValidateArgs(name, args); err != nil {
		a.reportValidationFailure(name, invokeSeq, turnID, streamName, err)
		return nil, err
	}

	cmd := exec.CommandContext(ctx, cs.spec.Command, cs.spec.Args...)
	env := os.Environ()
	for k, v := range cs.spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("tooladapter: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("tooladapter: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tooladapter: start %q: %w", name, err)
	}

	h := &Handle{ToolName: name, InvokeSeq: invokeSeq, TurnID: turnID, StreamName: streamName}
	var wg sync.WaitGroup
	wg.Add(2)
	go a.pump(&wg, h, event.ChannelStdout, stdout)
	go a.pump(&wg, h, event.ChannelStderr, stderr)

	go func() {
		wg.Wait()
		err := cmd.Wait()
		status := ""
		exitCode := 0
		switch {
		case ctx.Err() != nil:
			status = "cancelled"
			exitCode = -1
		case err != nil:
			status = "errored"
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}
		seq := invokeSeq
		_, _ = a.bus.Append(event.Unsealed{
			Role: event.RoleTool, Stream: streamName, TurnID: turnID,
			Act: event.ActToolEnd, ParentSeq: &seq,
			Payload: event.ToolEndPayload{ExitCode: exitCode, Status: status},
		})
	}()

	return h, nil
}

// reportValidationFailure appends the error/tool_end(status=errored) pair
// a schema violation produces without ever calling start, per spec.md
// §4.6 rule 5's "a schema violation is reported as an error event on the
// tool stream immediately followed by tool_end(status=errored)".
func (a *Adapter) reportValidationFailure(name string, invokeSeq uint64, turnID, streamName string, cause error) {
	seq := invokeSeq
	msg := cause.Error()
	if a.redactor != nil {
		msg = string(a.redactor([]byte(msg)))
	}
	_, _ = a.bus.Append(event.Unsealed{
		Role: event.RoleTool, Stream: streamName, TurnID: turnID,
		Act: event.ActError, ParentSeq: &seq,
		Payload: event.ErrorPayload{Message: msg},
	})
	_, _ = a.bus.Append(event.Unsealed{
		Role: event.RoleTool, Stream: streamName, TurnID: turnID,
		Act: event.ActToolEnd, ParentSeq: &seq,
		Payload: event.ToolEndPayload{ExitCode: -1, Status: "errored"},
	})
}

func (a *Adapter) pump(wg *sync.WaitGroup, h *Handle, channel event.ToolChannel, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, a.chunkBytes)
	br := bufio.NewReaderSize(r, a.chunkBytes)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			if a.redactor != nil {
				b = a.redactor(b)
			}
			seq := h.InvokeSeq
			_, _ = a.bus.Append(event.Unsealed{
				Role: event.RoleTool, Stream: h.StreamName, TurnID: h.TurnID,
				Act: event.ActToolChunk, ParentSeq: &seq,
				Payload: event.ToolChunkPayload{Channel: channel, Bytes: b},
			})
		}
		if err != nil {
			return
		}
	}
}
