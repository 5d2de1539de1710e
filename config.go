package siphon

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultBufSize is the per-node batch size that triggers a submit.
	DefaultBufSize = 1024

	// DefaultParallelOps caps concurrent in-flight batches per node.
	DefaultParallelOps = 16

	// DefaultMaxRemap bounds how often one operation is re-routed after
	// destination-side topology failures.
	DefaultMaxRemap = 32
)

type Config struct {
	// Cache names the destination cache; part of every request.
	Cache string

	// BufSize is the per-node entry count that triggers a batch submit.
	// 0 means DefaultBufSize.
	BufSize int

	// ParallelOps sizes the per-node semaphore gating in-flight batches.
	// 0 means DefaultParallelOps.
	ParallelOps int

	// AutoFlushInterval periodically drains buffered entries; 0 disables.
	AutoFlushInterval time.Duration

	// SkipStore tells the server to bypass any write-through store.
	SkipStore bool

	// AllowOverwrite selects the individual (overwriting) receiver and
	// primary-only routing. Off by default: the isolated receiver writes
	// initial values only, and every replica receives a copy.
	AllowOverwrite bool

	// MaxRemap bounds remaps per operation; nil means DefaultMaxRemap.
	// An explicit 0 fails on the first destination-side topology change.
	MaxRemap *int

	// Logger receives sparse debug output. Nil disables logging.
	Logger *slog.Logger
}

func IntPtr(i int) *int { return &i }

func (c *Config) fillDefaults() {
	if c.BufSize == 0 {
		c.BufSize = DefaultBufSize
	}
	if c.ParallelOps == 0 {
		c.ParallelOps = DefaultParallelOps
	}
	if c.MaxRemap == nil {
		c.MaxRemap = IntPtr(DefaultMaxRemap)
	}
}

func (c *Config) validate() error {
	if c.BufSize <= 0 {
		return fmt.Errorf("bufSize must be > 0, got %d", c.BufSize)
	}
	if c.ParallelOps <= 0 {
		return fmt.Errorf("parallelOps must be > 0, got %d", c.ParallelOps)
	}
	if c.AutoFlushInterval < 0 {
		return fmt.Errorf("autoFlushInterval must be >= 0, got %v", c.AutoFlushInterval)
	}
	if c.MaxRemap != nil && *c.MaxRemap < 0 {
		return fmt.Errorf("maxRemap must be >= 0, got %d", *c.MaxRemap)
	}
	return nil
}
