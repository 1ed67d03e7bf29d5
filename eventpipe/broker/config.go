package broker

import (
	"strings"
	"time"
)

const (
	DefaultPrefix        = "eventpipe"
	DefaultPartitions    = 64
	DefaultAckWait       = 30 * time.Second
	DefaultMaxDeliver    = 5
	DefaultPollTimeout   = 2 * time.Second
	DefaultClaimTimeout  = 60 * time.Second
	DefaultClaimInterval = 30 * time.Second
	DefaultReadCount     = 10
)

// Config is the transport-independent tuning shared by the transports.
type Config struct {
	Prefix     string
	Partitions int
	// AckWait bounds how long a delivery may stay unsettled before the
	// transport redelivers it.
	AckWait time.Duration
	// MaxDeliver is the transport-level delivery ceiling.
	MaxDeliver int
	// PollTimeout bounds each blocking read so loops notice cancellation.
	PollTimeout time.Duration
	// ClaimTimeout is the idle time after which log-stream entries are
	// reclaimed from a silent consumer.
	ClaimTimeout  time.Duration
	ClaimInterval time.Duration
	ReadCount     int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:        DefaultPrefix,
		Partitions:    DefaultPartitions,
		AckWait:       DefaultAckWait,
		MaxDeliver:    DefaultMaxDeliver,
		PollTimeout:   DefaultPollTimeout,
		ClaimTimeout:  DefaultClaimTimeout,
		ClaimInterval: DefaultClaimInterval,
		ReadCount:     DefaultReadCount,
	}
}

// Normalize replaces zero and invalid values with defaults.
func (c *Config) Normalize() {
	defaults := DefaultConfig()

	c.Prefix = strings.TrimSpace(c.Prefix)
	if c.Prefix == "" {
		c.Prefix = defaults.Prefix
	}

	if c.Partitions <= 0 {
		c.Partitions = defaults.Partitions
	}

	if c.AckWait <= 0 {
		c.AckWait = defaults.AckWait
	}

	if c.MaxDeliver <= 0 {
		c.MaxDeliver = defaults.MaxDeliver
	}

	if c.PollTimeout <= 0 {
		c.PollTimeout = defaults.PollTimeout
	}

	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = defaults.ClaimTimeout
	}

	if c.ClaimInterval <= 0 {
		c.ClaimInterval = defaults.ClaimInterval
	}

	if c.ReadCount <= 0 {
		c.ReadCount = defaults.ReadCount
	}
}
