package realtime

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/golang/glog"
)

type ConnectionQuality string

const (
	ConnectionQualityExcellent    ConnectionQuality = "Excellent"
	ConnectionQualityGood         ConnectionQuality = "Good"
	ConnectionQualityFair         ConnectionQuality = "Fair"
	ConnectionQualityPoor         ConnectionQuality = "Poor"
	ConnectionQualityDisconnected ConnectionQuality = "Disconnected"
	ConnectionQualityUnknown      ConnectionQuality = "Unknown"
)

type ConnectionHealth struct {
	Quality             ConnectionQuality
	Latency             time.Duration
	LastMessageReceived time.Time
	LastMessageSent     time.Time
	PendingRequestCount int
	ReconnectAttempts   int
}

type HealthMonitorSettings struct {
	// outstanding pings older than this are pruned to bound
	// memory under sustained connection loss
	PingHorizon time.Duration
	// no message received within this window classifies as disconnected
	SilenceHorizon time.Duration
}

func DefaultHealthMonitorSettings() *HealthMonitorSettings {
	return &HealthMonitorSettings{
		PingHorizon:    2 * time.Minute,
		SilenceHorizon: 2 * time.Minute,
	}
}

type latencySample struct {
	receiveTime time.Time
	latency     time.Duration
}

// tracks outstanding pings by id and derives connection quality.
// the quality classification is computed at query time, never stored.
type HealthMonitor struct {
	settings *HealthMonitorSettings

	pings *ttlcache.Cache[Id, time.Time]

	stateLock           sync.Mutex
	samples             []latencySample
	lastMessageReceived time.Time
	lastMessageSent     time.Time
	reconnectAttempts   int
	pendingRequestCount func() int
}

func NewHealthMonitorWithDefaults() *HealthMonitor {
	return NewHealthMonitor(DefaultHealthMonitorSettings())
}

func NewHealthMonitor(settings *HealthMonitorSettings) *HealthMonitor {
	pings := ttlcache.New[Id, time.Time](
		ttlcache.WithTTL[Id, time.Time](settings.PingHorizon),
		ttlcache.WithDisableTouchOnHit[Id, time.Time](),
	)
	go pings.Start()

	return &HealthMonitor{
		settings:            settings,
		pings:               pings,
		samples:             []latencySample{},
		pendingRequestCount: func() int { return 0 },
	}
}

// the pending request count is derived from the tracker at query time
func (self *HealthMonitor) SetPendingRequestCount(pendingRequestCount func() int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pendingRequestCount = pendingRequestCount
}

func (self *HealthMonitor) RecordPingSent(pingId Id) {
	self.pings.Set(pingId, time.Now(), ttlcache.DefaultTTL)
	self.RecordMessageSent()
}

// correlates a pong to its specific outstanding ping id.
// a pong for an unknown or pruned ping yields no sample.
func (self *HealthMonitor) RecordPong(pingId Id) (time.Duration, bool) {
	return self.recordPong(pingId, time.Now())
}

func (self *HealthMonitor) recordPong(pingId Id, receiveTime time.Time) (time.Duration, bool) {
	item := self.pings.Get(pingId)
	if item == nil {
		glog.V(2).Infof("[health]pong without ping %s\n", pingId)
		return 0, false
	}
	self.pings.Delete(pingId)

	latency := receiveTime.Sub(item.Value())
	if latency < 0 {
		// ignore
		return 0, false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.coalesce(receiveTime)
	self.samples = append(self.samples, latencySample{
		receiveTime: receiveTime,
		latency:     latency,
	})
	glog.V(2).Infof("[health]latency=%dms\n", latency/time.Millisecond)
	return latency, true
}

// must be called inside the state lock
func (self *HealthMonitor) coalesce(windowTime time.Time) {
	windowStartTime := windowTime.Add(-self.settings.PingHorizon)
	i := 0
	for i < len(self.samples) && self.samples[i].receiveTime.Before(windowStartTime) {
		i += 1
	}
	if 0 < i {
		self.samples = self.samples[i:]
	}
}

func (self *HealthMonitor) RecordMessageReceived() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastMessageReceived = time.Now()
}

func (self *HealthMonitor) RecordMessageSent() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastMessageSent = time.Now()
}

func (self *HealthMonitor) RecordReconnectAttempt() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.reconnectAttempts += 1
}

func (self *HealthMonitor) ResetReconnectAttempts() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.reconnectAttempts = 0
}

// most recent latency sample inside the window
func (self *HealthMonitor) Latency() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.coalesce(time.Now())
	if len(self.samples) == 0 {
		return 0
	}
	return self.samples[len(self.samples)-1].latency
}

func (self *HealthMonitor) Quality() ConnectionQuality {
	return self.quality(time.Now())
}

func (self *HealthMonitor) quality(queryTime time.Time) ConnectionQuality {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.lastMessageReceived.IsZero() && len(self.samples) == 0 {
		return ConnectionQualityUnknown
	}
	if !self.lastMessageReceived.IsZero() && self.settings.SilenceHorizon < queryTime.Sub(self.lastMessageReceived) {
		return ConnectionQualityDisconnected
	}

	self.coalesce(queryTime)
	if len(self.samples) == 0 {
		return ConnectionQualityUnknown
	}
	latency := self.samples[len(self.samples)-1].latency
	switch {
	case latency < 100*time.Millisecond:
		return ConnectionQualityExcellent
	case latency < 300*time.Millisecond:
		return ConnectionQualityGood
	case latency < 1000*time.Millisecond:
		return ConnectionQualityFair
	default:
		return ConnectionQualityPoor
	}
}

func (self *HealthMonitor) Snapshot() *ConnectionHealth {
	quality := self.Quality()
	latency := self.Latency()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return &ConnectionHealth{
		Quality:             quality,
		Latency:             latency,
		LastMessageReceived: self.lastMessageReceived,
		LastMessageSent:     self.lastMessageSent,
		PendingRequestCount: self.pendingRequestCount(),
		ReconnectAttempts:   self.reconnectAttempts,
	}
}

func (self *HealthMonitor) Close() {
	self.pings.Stop()
}
