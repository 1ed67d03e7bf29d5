package circuitbreaker

import "time"

// DefaultConfig trips at a 50% failure ratio once 10 calls were seen in a
// 60s window, stays open for 30s and then lets one trial call through.
func DefaultConfig() Config {
	return Config{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  10,
	}
}

// AggressiveConfig fails fast: five consecutive failures or a 40% ratio over
// five calls.
func AggressiveConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            30 * time.Second,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.4,
		MinRequests:         5,
	}
}

// DatabaseConfig tolerates longer bursts of failures, for stores that are
// expected to recover on their own.
func DatabaseConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            3 * time.Minute,
		Timeout:             45 * time.Second,
		ConsecutiveFailures: 20,
		FailureRatio:        0.6,
		MinRequests:         15,
	}
}

func (c Config) readyToTrip(counts Counts) bool {
	if c.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= c.ConsecutiveFailures {
		return true
	}

	if counts.Requests == 0 || counts.Requests < c.MinRequests || c.FailureRatio <= 0 {
		return false
	}

	return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
}
