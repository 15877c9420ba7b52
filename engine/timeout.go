package engine

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// timeoutChannelSize is the buffer size for timeout channels.
const timeoutChannelSize = 100

// TimeoutPhase names the protocol phase a timeout guards.
type TimeoutPhase uint8

const (
	TimeoutPrepare TimeoutPhase = iota + 1
	TimeoutCommit
	TimeoutViewChange
)

func (p TimeoutPhase) String() string {
	switch p {
	case TimeoutPrepare:
		return "PREPARE"
	case TimeoutCommit:
		return "COMMIT"
	case TimeoutViewChange:
		return "VIEW_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// TimeoutInfo represents one scheduled timeout event.
type TimeoutInfo struct {
	Duration time.Duration
	View     uint64
	Sequence uint64
	Phase    TimeoutPhase
}

// AdaptiveTimeout derives protocol timeouts from observed network latency
// and from consecutive view changes. Below the latency threshold the base
// timeout applies; above it the timeout scales with the excess. Each view
// change without an intervening commit multiplies the timeout by the
// backoff factor; a successful commit resets the count. Every derived
// value is clamped to [Min, Max].
//
// Counters are mutated only by the decision loop that owns the round, but
// reads may come from other goroutines, so the struct locks anyway.
type AdaptiveTimeout struct {
	mu     sync.Mutex
	config TimeoutConfig
	logger *zap.Logger

	avgLatency      time.Duration
	viewChangeCount int
}

// NewAdaptiveTimeout creates a timeout manager with the given policy.
func NewAdaptiveTimeout(config TimeoutConfig, logger *zap.Logger) *AdaptiveTimeout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdaptiveTimeout{config: config, logger: logger}
}

// AdjustForLatency records the observed average latency and returns the
// resulting consensus timeout.
func (at *AdaptiveTimeout) AdjustForLatency(avgLatency time.Duration) time.Duration {
	at.mu.Lock()
	defer at.mu.Unlock()

	at.avgLatency = avgLatency
	timeout := at.latencyTimeoutLocked()
	at.logger.Debug("timeout adjusted",
		zap.String("cause", "latency"),
		zap.Duration("avg_latency", avgLatency),
		zap.Duration("timeout", timeout))
	return timeout
}

// ApplyViewChangeBackoff counts one more consecutive view change and
// returns the backed-off consensus timeout.
func (at *AdaptiveTimeout) ApplyViewChangeBackoff() time.Duration {
	at.mu.Lock()
	defer at.mu.Unlock()

	at.viewChangeCount++
	timeout := at.consensusTimeoutLocked(true)
	at.logger.Info("timeout adjusted",
		zap.String("cause", "view_change_backoff"),
		zap.Int("view_change_count", at.viewChangeCount),
		zap.Duration("timeout", timeout))
	return timeout
}

// ResetViewChangeBackoff clears the consecutive view-change count after a
// successful commit.
func (at *AdaptiveTimeout) ResetViewChangeBackoff() {
	at.mu.Lock()
	defer at.mu.Unlock()
	if at.viewChangeCount != 0 {
		at.logger.Debug("view change backoff reset",
			zap.Int("previous_count", at.viewChangeCount))
	}
	at.viewChangeCount = 0
}

// ViewChangeCount returns the consecutive view-change count.
func (at *AdaptiveTimeout) ViewChangeCount() int {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.viewChangeCount
}

// ConsensusTimeout returns the full-round timeout, optionally including
// the view-change backoff.
func (at *AdaptiveTimeout) ConsensusTimeout(includeBackoff bool) time.Duration {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.consensusTimeoutLocked(includeBackoff)
}

// PrepareTimeout returns the budget for collecting a prepare quorum.
func (at *AdaptiveTimeout) PrepareTimeout() time.Duration {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.clamp(at.scale(at.consensusTimeoutLocked(true), at.config.PrepareFraction))
}

// CommitTimeout returns the budget for collecting a commit quorum.
func (at *AdaptiveTimeout) CommitTimeout() time.Duration {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.clamp(at.scale(at.consensusTimeoutLocked(true), at.config.CommitFraction))
}

// ViewChangeTimeout returns the budget for completing a view change.
func (at *AdaptiveTimeout) ViewChangeTimeout() time.Duration {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.clamp(at.scale(at.consensusTimeoutLocked(true), at.config.ViewChangeFraction))
}

func (at *AdaptiveTimeout) consensusTimeoutLocked(includeBackoff bool) time.Duration {
	timeout := at.latencyTimeoutLocked()
	if includeBackoff && at.viewChangeCount > 0 {
		backoff := math.Pow(at.config.BackoffFactor, float64(at.viewChangeCount))
		timeout = at.scale(timeout, backoff)
	}
	return at.clamp(timeout)
}

func (at *AdaptiveTimeout) latencyTimeoutLocked() time.Duration {
	if at.avgLatency <= at.config.LatencyThreshold {
		return at.clamp(at.config.Base)
	}
	excess := at.avgLatency - at.config.LatencyThreshold
	timeout := at.scale(at.config.Base, at.config.LatencyMultiplier) +
		at.scale(excess, at.config.LatencyExcessFactor)
	return at.clamp(timeout)
}

func (at *AdaptiveTimeout) scale(d time.Duration, factor float64) time.Duration {
	scaled := float64(d) * factor
	if scaled > float64(at.config.Max) {
		return at.config.Max
	}
	return time.Duration(scaled)
}

func (at *AdaptiveTimeout) clamp(d time.Duration) time.Duration {
	if d < at.config.Min {
		return at.config.Min
	}
	if d > at.config.Max {
		return at.config.Max
	}
	return d
}

// TimeoutTicker delivers scheduled timeouts into the decision loop.
// Scheduling a new timeout cancels the previous one: only one timeout is
// armed at a time, matching the single in-flight round.
type TimeoutTicker struct {
	mu sync.Mutex

	timer   *time.Timer
	tickCh  chan TimeoutInfo
	tockCh  chan TimeoutInfo
	stopCh  chan struct{}
	running bool

	droppedTimeouts uint64
}

// NewTimeoutTicker creates a stopped ticker.
func NewTimeoutTicker() *TimeoutTicker {
	return &TimeoutTicker{
		tickCh: make(chan TimeoutInfo, timeoutChannelSize),
		tockCh: make(chan TimeoutInfo, timeoutChannelSize),
		stopCh: make(chan struct{}),
	}
}

// Start starts the ticker's scheduling goroutine.
func (tt *TimeoutTicker) Start() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.running {
		return
	}
	tt.running = true
	go tt.run()
}

// Stop stops the ticker.
func (tt *TimeoutTicker) Stop() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if !tt.running {
		return
	}
	tt.running = false
	close(tt.stopCh)
	if tt.timer != nil {
		tt.timer.Stop()
	}
}

// Chan returns the channel that delivers expired timeouts.
func (tt *TimeoutTicker) Chan() <-chan TimeoutInfo {
	return tt.tockCh
}

// ScheduleTimeout arms a timeout, replacing any armed one.
func (tt *TimeoutTicker) ScheduleTimeout(ti TimeoutInfo) {
	select {
	case tt.tickCh <- ti:
	case <-tt.stopCh:
	}
}

func (tt *TimeoutTicker) run() {
	for {
		select {
		case <-tt.stopCh:
			return

		case ti := <-tt.tickCh:
			tt.mu.Lock()
			if !tt.running {
				tt.mu.Unlock()
				return
			}
			if tt.timer != nil {
				tt.timer.Stop()
			}
			tiCopy := ti
			tt.timer = time.AfterFunc(ti.Duration, func() {
				select {
				case tt.tockCh <- tiCopy:
				case <-tt.stopCh:
				default:
					atomic.AddUint64(&tt.droppedTimeouts, 1)
				}
			})
			tt.mu.Unlock()
		}
	}
}

// DroppedTimeouts returns the number of timeouts dropped because the
// delivery channel was full.
func (tt *TimeoutTicker) DroppedTimeouts() uint64 {
	return atomic.LoadUint64(&tt.droppedTimeouts)
}
