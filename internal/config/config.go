package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Hidden      int
	Heads       int
	Layers      int
	KVCacheSize int // 0 means unbounded

	Threads     int // 0 means runtime.GOMAXPROCS
	Alignment   int
	ArenaSize   int
	VectorWidth int // 0 auto, 1 reference, 8 or 16 forced lanes

	MaxBatch  int
	QueueSize int

	LogLevel  string
	LogFormat string
}

func (c *Config) Validate() error {
	if c.Hidden <= 0 {
		return fmt.Errorf("invalid hidden: %d (must be positive)", c.Hidden)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.Hidden%c.Heads != 0 {
		return fmt.Errorf("hidden mismatch: %d not divisible by heads(%d)", c.Hidden, c.Heads)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.KVCacheSize < 0 {
		return fmt.Errorf("invalid kv_cache_size: %d (must be non-negative)", c.KVCacheSize)
	}
	if c.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be non-negative)", c.Threads)
	}
	if c.Alignment <= 0 || c.Alignment&(c.Alignment-1) != 0 {
		return fmt.Errorf("invalid alignment: %d (must be a power of two)", c.Alignment)
	}
	if c.ArenaSize < 0 {
		return fmt.Errorf("invalid arena_size: %d (must be non-negative)", c.ArenaSize)
	}
	switch c.VectorWidth {
	case 0, 1, 8, 16:
	default:
		return fmt.Errorf("invalid vector_width: %d (must be 0, 1, 8 or 16)", c.VectorWidth)
	}
	if c.MaxBatch <= 0 {
		return fmt.Errorf("invalid max_batch: %d (must be positive)", c.MaxBatch)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("invalid queue_size: %d (must be positive)", c.QueueSize)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat)
	}
	return nil
}

func (c *Config) HeadDim() int {
	if c.Heads == 0 {
		return 0
	}
	return c.Hidden / c.Heads
}

func (c *Config) ForceReference() bool {
	return c.VectorWidth == 1
}

func Default() Config {
	return Config{
		Hidden:    512,
		Heads:     8,
		Layers:    1,
		Alignment: 32,
		ArenaSize: 1 << 20,
		MaxBatch:  8,
		QueueSize: 100,
		LogLevel:  "info",
		LogFormat: "console",
	}
}
