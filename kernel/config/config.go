// Package config loads the Orchestrator Kernel's YAML configuration
// file and resolves it into the typed Config structs each kernel
// component constructs itself from (floor.Config, turn.Config,
// bus options, preempt/clock/registry/tool tunables).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/colloquy-dev/colloquy/kernel/bus"
	"github.com/colloquy-dev/colloquy/kernel/clock"
	"github.com/colloquy-dev/colloquy/kernel/floor"
	"github.com/colloquy-dev/colloquy/kernel/registry"
	"github.com/colloquy-dev/colloquy/kernel/tooladapter"
	"github.com/colloquy-dev/colloquy/kernel/trigger"
	"github.com/colloquy-dev/colloquy/kernel/turn"
)

// FloorYAML mirrors spec.md §6's floor.* key table.
type FloorYAML struct {
	TMinMS       *int64 `yaml:"T_min_ms"`
	TMaxMS       *int64 `yaml:"T_max_ms"`
	TQuietMS     *int64 `yaml:"T_quiet_ms"`
	TStarveMS    *int64 `yaml:"T_starve_ms"`
	THeartbeatMS *int64 `yaml:"T_heartbeat_ms"`
}

// TurnYAML mirrors spec.md §6's turn.* key table.
type TurnYAML struct {
	ByteBudget *int64 `yaml:"byte_budget"`
	FlushBytes *int   `yaml:"flush_bytes"`
	FlushMS    *int64 `yaml:"flush_ms"`
	DeadlineMS *int64 `yaml:"deadline_ms"`
	GraceMS    *int64 `yaml:"grace_ms"`
}

// BusYAML mirrors spec.md §6's bus.* key table.
type BusYAML struct {
	QueueDepth           *int   `yaml:"queue_depth"`
	SubscriberQueueDepth *int   `yaml:"subscriber_queue_depth"`
	FsyncEveryEvents     *int   `yaml:"fsync_every_events"`
	FsyncEveryMS         *int64 `yaml:"fsync_every_ms"`
	RotateBytes          *int64 `yaml:"rotate_bytes"`
}

// PreemptYAML mirrors spec.md §6's preempt.* key table.
type PreemptYAML struct {
	TargetMS *int64 `yaml:"target_ms"`
}

// ToolYAML mirrors spec.md §6's tool.* key table.
type ToolYAML struct {
	MaxStreams *int `yaml:"max_streams"`
	ChunkBytes *int `yaml:"chunk_bytes"`
}

// WatermarkYAML mirrors spec.md §6's watermark.* key table.
type WatermarkYAML struct {
	SkewToleranceMS *int64 `yaml:"skew_tolerance_ms"`
}

// File is the root shape of the kernel's YAML configuration file.
type File struct {
	Floor     FloorYAML     `yaml:"floor"`
	Turn      TurnYAML      `yaml:"turn"`
	Bus       BusYAML       `yaml:"bus"`
	Preempt   PreemptYAML   `yaml:"preempt"`
	Tool      ToolYAML      `yaml:"tool"`
	Watermark WatermarkYAML `yaml:"watermark"`
}

// Resolved bundles every component's typed config, each populated from
// File where set and from that component's own defaults otherwise.
type Resolved struct {
	Floor            floor.Config
	Turn             turn.Config
	BusQueueDepth    int
	SubscriberQueue  int
	FsyncEveryEvents int
	FsyncEveryMS     int64
	RotateBytes      int64
	PreemptTargetMS  int64
	MaxToolStreams   int
	ToolChunkBytes   int
	SkewToleranceMS  int64
}

// Load reads and parses the YAML file at path, applying defaults for
// every key the file omits. A missing file is not an error: Load
// returns the all-defaults Resolved, since every kernel component is
// independently runnable with spec-default tuning.
func Load(path string) (Resolved, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		return Resolved{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Resolved{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return resolve(f), nil
}

// Defaults returns the Resolved configuration with every key at its
// spec.md §6 default, equivalent to loading an empty file.
func Defaults() Resolved {
	return resolve(File{})
}

func resolve(f File) Resolved {
	r := Resolved{
		Floor:            floor.DefaultConfig(),
		Turn:             turn.DefaultConfig(),
		BusQueueDepth:    bus.DefaultQueueDepth,
		SubscriberQueue:  bus.DefaultSubscriberQueueDepth,
		FsyncEveryEvents: bus.DefaultFsyncEveryEvents,
		FsyncEveryMS:     bus.DefaultFsyncEveryMS,
		RotateBytes:      bus.DefaultRotateBytes,
		PreemptTargetMS:  50,
		MaxToolStreams:   registry.DefaultMaxToolStreams,
		ToolChunkBytes:   tooladapter.DefaultChunkBytes,
		SkewToleranceMS:  clock.DefaultSkewToleranceMS,
	}

	if v := f.Floor.TMinMS; v != nil {
		r.Floor.TMinMS = *v
	}
	if v := f.Floor.TMaxMS; v != nil {
		r.Floor.TMaxMS = *v
	}
	if v := f.Floor.TQuietMS; v != nil {
		r.Floor.TriggerCfg.TQuietMS = *v
	}
	if v := f.Floor.TStarveMS; v != nil {
		r.Floor.TriggerCfg.TSilenceMS = *v
	}
	if v := f.Floor.THeartbeatMS; v != nil {
		r.Floor.THeartbeatMS = *v
	}

	if v := f.Turn.ByteBudget; v != nil {
		r.Floor.TriggerCfg.ByteBudget = *v
		r.Turn.ByteBudget = *v
	}
	if v := f.Turn.FlushBytes; v != nil {
		r.Turn.FlushBytes = *v
	}
	if v := f.Turn.FlushMS; v != nil {
		r.Turn.FlushMS = *v
	}
	if v := f.Turn.GraceMS; v != nil {
		r.Turn.GraceMS = *v
	}
	// turn.deadline_ms maps to the per-grant deadline the Floor
	// Controller computes (T_max_ms); a distinct turn.deadline_ms
	// overrides T_max_ms when both are present.
	if v := f.Turn.DeadlineMS; v != nil {
		r.Floor.TMaxMS = *v
	}

	if v := f.Bus.QueueDepth; v != nil {
		r.BusQueueDepth = *v
	}
	if v := f.Bus.SubscriberQueueDepth; v != nil {
		r.SubscriberQueue = *v
	}
	if v := f.Bus.FsyncEveryEvents; v != nil {
		r.FsyncEveryEvents = *v
	}
	if v := f.Bus.FsyncEveryMS; v != nil {
		r.FsyncEveryMS = *v
	}
	if v := f.Bus.RotateBytes; v != nil {
		r.RotateBytes = *v
	}

	if v := f.Preempt.TargetMS; v != nil {
		r.PreemptTargetMS = *v
	}

	if v := f.Tool.MaxStreams; v != nil {
		r.MaxToolStreams = *v
	}
	if v := f.Tool.ChunkBytes; v != nil {
		r.ToolChunkBytes = *v
	}

	if v := f.Watermark.SkewToleranceMS; v != nil {
		r.SkewToleranceMS = *v
	}

	return r
}
