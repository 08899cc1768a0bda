package deferdel

import "time"

// Tunables bundles the engine's configurable constants. Concrete defaults are
// chosen by the deployment (see internal/config, whose default CheckInterval
// is 7 seconds).
type Tunables struct {
	CheckInterval                time.Duration
	FatalErrorIntervalMultiplier int
	OperationDelayThreshold      time.Duration
	MaxDelayRate                 float64
	MaxRetryableErrorRetries     int
	MaxFatalErrorRetries         int
	MaxDeletionsAtOnce           int
	RetriesToRetry               int
}

// DelayRate computes the adaptive pacing multiplier for a driver call that
// took `elapsed` to complete. The result is always >= 1.0: calls faster than
// the threshold are not penalized, and calls slower than it are stretched up
// to maxDelayRate.
func DelayRate(elapsed, threshold time.Duration, maxDelayRate float64) float64 {
	if threshold <= 0 || elapsed <= threshold {
		return 1.0
	}
	rate := float64(elapsed) / float64(threshold)
	if rate > maxDelayRate {
		return maxDelayRate
	}
	return rate
}

// NextExecution computes the next_check timestamp for a rescheduled item.
// fatal stretches the interval by FatalErrorIntervalMultiplier; delayRate
// additionally stretches it by the observed backend latency.
func NextExecution(now time.Time, t Tunables, fatal bool, delayRate float64) time.Time {
	multiplier := 1.0
	if fatal {
		multiplier = float64(t.FatalErrorIntervalMultiplier)
	}
	delay := time.Duration(float64(t.CheckInterval) * multiplier * delayRate)
	return now.Add(delay)
}

// ExecutionTimer measures the wall time of a single driver call and exposes
// the resulting adaptive delay_rate once stopped.
type ExecutionTimer struct {
	start        time.Time
	threshold    time.Duration
	maxDelayRate float64
	delayRate    float64
}

// NewExecutionTimer starts a timer using the given tunables.
func NewExecutionTimer(t Tunables, now time.Time) *ExecutionTimer {
	return &ExecutionTimer{
		start:        now,
		threshold:    t.OperationDelayThreshold,
		maxDelayRate: t.MaxDelayRate,
	}
}

// Stop records the elapsed time (as of `now`) and returns the delay_rate.
// Each call recomputes the delay_rate from the start time to the given now.
func (e *ExecutionTimer) Stop(now time.Time) float64 {
	e.delayRate = DelayRate(now.Sub(e.start), e.threshold, e.maxDelayRate)
	return e.delayRate
}

// DelayRate returns the delay_rate computed by the most recent Stop call, or
// 1.0 if Stop has not been called yet.
func (e *ExecutionTimer) DelayRate() float64 {
	if e.delayRate == 0 {
		return 1.0
	}
	return e.delayRate
}
