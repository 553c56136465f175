package realtime

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

type CircuitState string

const (
	CircuitStateClosed   CircuitState = "Closed"
	CircuitStateOpen     CircuitState = "Open"
	CircuitStateHalfOpen CircuitState = "HalfOpen"
)

type CircuitBreakerSettings struct {
	FailureThreshold int
	// failures further apart than this do not accumulate
	FailureWindow time.Duration
	OpenDuration  time.Duration
	// successes in half-open needed to close
	HalfOpenSuccessThreshold int
}

func DefaultCircuitBreakerSettings() *CircuitBreakerSettings {
	return &CircuitBreakerSettings{
		FailureThreshold:         5,
		FailureWindow:            30 * time.Second,
		OpenDuration:             15 * time.Second,
		HalfOpenSuccessThreshold: 2,
	}
}

// fail-fast guard around the sync client.
// callers check `Allow` before attempting the network and report the
// outcome with `RecordSuccess`/`RecordFailure`. only transport/timeout
// class failures should be recorded (see `IsCircuitFailure`).
type CircuitBreaker struct {
	settings *CircuitBreakerSettings

	stateLock    sync.Mutex
	state        CircuitState
	failureCount int
	successCount int
	lastFailure  time.Time
	openedAt     time.Time
}

func NewCircuitBreakerWithDefaults() *CircuitBreaker {
	return NewCircuitBreaker(DefaultCircuitBreakerSettings())
}

func NewCircuitBreaker(settings *CircuitBreakerSettings) *CircuitBreaker {
	return &CircuitBreaker{
		settings: settings,
		state:    CircuitStateClosed,
	}
}

func (self *CircuitBreaker) State() CircuitState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// returns nil if a request may proceed.
// the first allowance check after the open duration elapses moves the
// breaker to half-open and lets the probe through.
func (self *CircuitBreaker) Allow() error {
	return self.allow(time.Now())
}

func (self *CircuitBreaker) allow(checkTime time.Time) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.state {
	case CircuitStateOpen:
		elapsed := checkTime.Sub(self.openedAt)
		if elapsed < self.settings.OpenDuration {
			return &CircuitOpenError{
				RetryAfter: self.settings.OpenDuration - elapsed,
			}
		}
		glog.V(2).Infof("[circuit]open -> half-open\n")
		self.state = CircuitStateHalfOpen
		self.successCount = 0
		return nil
	default:
		return nil
	}
}

func (self *CircuitBreaker) RecordSuccess() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.state {
	case CircuitStateHalfOpen:
		self.successCount += 1
		if self.settings.HalfOpenSuccessThreshold <= self.successCount {
			glog.Infof("[circuit]half-open -> closed\n")
			self.state = CircuitStateClosed
			self.failureCount = 0
			self.successCount = 0
		}
	case CircuitStateClosed:
		self.failureCount = 0
	}
}

func (self *CircuitBreaker) RecordFailure() {
	self.recordFailure(time.Now())
}

func (self *CircuitBreaker) recordFailure(failureTime time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.state {
	case CircuitStateHalfOpen:
		// the probe failed. back to open with a fresh cool-down.
		glog.Infof("[circuit]half-open -> open\n")
		self.state = CircuitStateOpen
		self.openedAt = failureTime
		self.successCount = 0
	case CircuitStateClosed:
		if !self.lastFailure.IsZero() && self.settings.FailureWindow < failureTime.Sub(self.lastFailure) {
			// the previous burst expired
			self.failureCount = 0
		}
		self.lastFailure = failureTime
		self.failureCount += 1
		if self.settings.FailureThreshold <= self.failureCount {
			glog.Infof("[circuit]closed -> open after %d failures\n", self.failureCount)
			self.state = CircuitStateOpen
			self.openedAt = failureTime
		}
	}
}
