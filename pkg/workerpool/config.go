package workerpool

import "time"

// Config tunes pool sizing and timeouts, grounded on the source system's
// workers/config.py WorkerConfig defaults.
type Config struct {
	AsyncWorkers           int           `validate:"min=0"`
	ThreadWorkers          int           `validate:"min=0"`
	ProcessWorkers         int           `validate:"min=0"`
	MaxQueueSize           int           `validate:"min=10"`
	PriorityQueueSize      int           `validate:"min=10"`
	DefaultTaskTimeout     time.Duration
	WorkerHeartbeatInterval time.Duration
	SubmitPutTimeout       time.Duration
}

// DefaultConfig mirrors the source system's defaults.
func DefaultConfig() Config {
	return Config{
		AsyncWorkers:            4,
		ThreadWorkers:           2,
		ProcessWorkers:          0,
		MaxQueueSize:            1000,
		PriorityQueueSize:       100,
		DefaultTaskTimeout:      300 * time.Second,
		WorkerHeartbeatInterval: 10 * time.Second,
		SubmitPutTimeout:        1 * time.Second,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.AsyncWorkers == 0 && c.ThreadWorkers == 0 && c.ProcessWorkers == 0 {
		c.AsyncWorkers = def.AsyncWorkers
		c.ThreadWorkers = def.ThreadWorkers
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.PriorityQueueSize <= 0 {
		c.PriorityQueueSize = def.PriorityQueueSize
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = def.DefaultTaskTimeout
	}
	if c.WorkerHeartbeatInterval <= 0 {
		c.WorkerHeartbeatInterval = def.WorkerHeartbeatInterval
	}
	if c.SubmitPutTimeout <= 0 {
		c.SubmitPutTimeout = def.SubmitPutTimeout
	}
}
