package fastbernoulli

import (
	"runtime"
	"time"
)

// Config holds the knobs shared by generators and their worker pools.
type Config struct {
	// SchedulingTimeout bounds how long Schedule waits for queue space.
	SchedulingTimeout time.Duration
	// Workers is the pool size used by GenerateParallel when the caller
	// passes zero.
	Workers int
	// PartitionSize is the number of samples per parallel job. It is
	// rounded up to a multiple of Lanes.
	PartitionSize int
	// MaxDepth bounds quantization, see Quantizer.
	MaxDepth uint
	// Mode selects the evaluation path.
	Mode Mode
	// Source names the bit source, see SourceByName.
	Source string
	// Backend names the compiled evaluator's backend, see BackendByName.
	Backend string
}

func NewConfig() *Config {
	return &Config{
		SchedulingTimeout: 10 * time.Second,
		Workers:           runtime.GOMAXPROCS(0),
		PartitionSize:     1 << 14,
		MaxDepth:          DefaultMaxDepth,
		Mode:              ModeAuto,
		Source:            "pcg",
		Backend:           "sliced",
	}
}

// partitionSize returns PartitionSize rounded up to whole kernel calls.
func (c *Config) partitionSize() int {
	size := c.PartitionSize
	if size <= 0 {
		size = 1 << 14
	}
	if rem := size % Lanes; rem != 0 {
		size += Lanes - rem
	}
	return size
}

func (c *Config) schedulingTimeout() time.Duration {
	if c != nil && c.SchedulingTimeout > 0 {
		return c.SchedulingTimeout
	}
	return 5 * time.Second
}
