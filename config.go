package boxcar

import (
	"time"

	"go.uber.org/zap"
)

type (
	Config struct {
		Logger         *zap.Logger
		Sleep          DelayFunc
		ReadBlockSize  int
		InitialBackoff time.Duration
		MaxBackoff     time.Duration
		MaxRetries     int
	}

	// DelayFunc performs the backoff sleep between conflicting write
	// attempts. Tests inject a deterministic implementation
	DelayFunc func(time.Duration)
)

const (
	DefaultReadBlockSize  = 1000
	DefaultInitialBackoff = time.Millisecond
	DefaultMaxBackoff     = 64 * time.Millisecond
	DefaultMaxRetries     = 16
)

func DefaultConfig() Config {
	return Config{
		ReadBlockSize:  DefaultReadBlockSize,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		MaxRetries:     DefaultMaxRetries,
	}
}

func (c Config) normalize() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	if c.ReadBlockSize <= 0 {
		c.ReadBlockSize = DefaultReadBlockSize
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}
