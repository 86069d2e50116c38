// Package registry implements the Orchestrator Kernel's Stream Registry:
// the table of named producers (two agent slots, N tool slots, one user
// slot) the Floor Controller and Trigger Engine consult to pick the next
// speaker and account for backpressure.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/colloquy-dev/colloquy/kernel/event"
)

// State is a stream slot's position in its lifecycle state machine.
type State string

const (
	StateIdle      State = "idle"
	StateGranted   State = "granted"
	StateSpeaking  State = "speaking"
	StateReleasing State = "releasing"
	StatePreempted State = "preempted"
	StateErrored   State = "errored"
	StateDead      State = "dead"
)

// DefaultMaxToolStreams is the default cap on concurrent tool streams
// (tool.max_streams).
const DefaultMaxToolStreams = 16

var (
	// ErrDuplicateName is returned by Register when name is already registered.
	ErrDuplicateName = errors.New("registry: stream name already registered")
	// ErrToolCapacity is returned by Register when role is Tool and the
	// configured maximum number of concurrent tool streams is reached.
	ErrToolCapacity = errors.New("registry: tool stream capacity exceeded")
	// ErrUnknownStream is returned by operations addressing a stream_id
	// that is not (or no longer) registered.
	ErrUnknownStream = errors.New("registry: unknown stream_id")
)

// Stream is the Stream Registry's record for one producer slot, mirroring
// the stream record in spec.md §4 (name, role, state, liveness, and
// backpressure accounting).
type Stream struct {
	ID             string
	Name           string
	Role           event.Role
	Capability     any
	State          State
	LastActiveMS   int64
	BackoffUntilMS int64
	PendingBytes   int64
}

// Registry is the thread-safe store of Stream records. Mutations go
// through the exported methods below; List/ListLive return copies so
// callers cannot corrupt registry state by mutating the returned slice.
type Registry struct {
	mu             sync.RWMutex
	maxToolStreams int
	byID           map[string]*Stream
	nameToID       map[string]string
	nextID         uint64
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithMaxToolStreams overrides DefaultMaxToolStreams.
func WithMaxToolStreams(n int) Option {
	return func(r *Registry) { r.maxToolStreams = n }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		maxToolStreams: DefaultMaxToolStreams,
		byID:           make(map[string]*Stream),
		nameToID:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register enrolls a new stream under the given name and role, returning
// its stream_id. Names must be unique among registered streams (a dead
// stream keeps its name until it is deregistered); Tool-role
// streams are capped at maxToolStreams concurrent registrations.
func (r *Registry) Register(name string, role event.Role, capability any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nameToID[name]; exists {
		return "", fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	if role == event.RoleTool {
		if n := r.countLiveToolStreamsLocked(); n >= r.maxToolStreams {
			return "", fmt.Errorf("%w: limit %d", ErrToolCapacity, r.maxToolStreams)
		}
	}

	r.nextID++
	id := fmt.Sprintf("stream-%d", r.nextID)
	r.byID[id] = &Stream{
		ID:         id,
		Name:       name,
		Role:       role,
		Capability: capability,
		State:      StateIdle,
	}
	r.nameToID[name] = id
	return id, nil
}

// Deregister removes a stream entirely. Deregistering an unknown
// stream_id is a no-op, matching the idempotent-Close convention used
// elsewhere in the kernel.
func (r *Registry) Deregister(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[streamID]
	if !ok {
		return
	}
	delete(r.nameToID, s.Name)
	delete(r.byID, streamID)
}

// SetState transitions a stream to a new state and, for transitions that
// represent activity (Granted, Speaking), stamps LastActiveMS via the supplied
// wall-clock reading; callers pass the event's event_time_ms so the
// registry need not own a clock of its own.
func (r *Registry) SetState(streamID string, state State, nowMS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	s.State = state
	if state == StateSpeaking || state == StateGranted {
		s.LastActiveMS = nowMS
	}
	if state == StateErrored {
		s.BackoffUntilMS = 0 // caller sets via SetBackoff once it knows the backoff duration.
	}
	return nil
}

// SetBackoff records the time until which streamID should be excluded
// from floor selection after an errored release.
func (r *Registry) SetBackoff(streamID string, untilMS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	s.BackoffUntilMS = untilMS
	return nil
}

// MarkBytes adds n to a stream's pending byte count, for backpressure
// accounting at the turn/bus layer. n may be negative to release bytes
// once flushed.
func (r *Registry) MarkBytes(streamID string, n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	s.PendingBytes += n
	if s.PendingBytes < 0 {
		s.PendingBytes = 0
	}
	return nil
}

// Get returns a copy of the stream record for streamID.
func (r *Registry) Get(streamID string) (Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[streamID]
	if !ok {
		return Stream{}, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	return *s, nil
}

// List returns a copy of every registered stream, ordered deterministically
// by name (the Floor Controller's tie-break order).
func (r *Registry) List() []Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(func(Stream) bool { return true })
}

// ListLive returns every stream not in StateDead, in name order.
func (r *Registry) ListLive() []Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(func(s Stream) bool { return s.State != StateDead })
}

func (r *Registry) snapshotLocked(keep func(Stream) bool) []Stream {
	out := make([]Stream, 0, len(r.byID))
	for _, s := range r.byID {
		if keep(*s) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) countLiveToolStreamsLocked() int {
	n := 0
	for _, s := range r.byID {
		if s.Role == event.RoleTool && s.State != StateDead {
			n++
		}
	}
	return n
}
