package realtime

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestHealthLatencyCorrelation(t *testing.T) {
	monitor := NewHealthMonitorWithDefaults()
	defer monitor.Close()

	// pings P1 then P2, pongs arrive for P2 then P1.
	// each sample must attribute to its own ping, never swapped.
	p1 := NewId()
	monitor.RecordPingSent(p1)
	time.Sleep(30 * time.Millisecond)
	p2 := NewId()
	monitor.RecordPingSent(p2)

	now := time.Now()
	latency2, ok := monitor.recordPong(p2, now)
	assert.Equal(t, true, ok)
	latency1, ok := monitor.recordPong(p1, now)
	assert.Equal(t, true, ok)

	// p1 was outstanding ~30ms longer than p2
	if latency1 <= latency2 {
		t.Fatalf("expected latency1 > latency2, got %s <= %s", latency1, latency2)
	}
	if latency1 < 30*time.Millisecond {
		t.Fatalf("latency1 too small: %s", latency1)
	}
}

func TestHealthPongWithoutPing(t *testing.T) {
	monitor := NewHealthMonitorWithDefaults()
	defer monitor.Close()

	_, ok := monitor.RecordPong(NewId())
	assert.Equal(t, false, ok)
}

func TestHealthQualityClassification(t *testing.T) {
	thresholds := []struct {
		latency time.Duration
		quality ConnectionQuality
	}{
		{50 * time.Millisecond, ConnectionQualityExcellent},
		{150 * time.Millisecond, ConnectionQualityGood},
		{500 * time.Millisecond, ConnectionQualityFair},
		{1500 * time.Millisecond, ConnectionQualityPoor},
	}

	for _, c := range thresholds {
		monitor := NewHealthMonitorWithDefaults()
		pingId := NewId()
		monitor.RecordPingSent(pingId)
		receiveTime := time.Now().Add(c.latency)
		_, ok := monitor.recordPong(pingId, receiveTime)
		assert.Equal(t, true, ok)
		assert.Equal(t, c.quality, monitor.quality(receiveTime))
		monitor.Close()
	}
}

func TestHealthQualityUnknownWithoutData(t *testing.T) {
	monitor := NewHealthMonitorWithDefaults()
	defer monitor.Close()

	assert.Equal(t, ConnectionQualityUnknown, monitor.Quality())
}

func TestHealthQualityDisconnectedOnSilence(t *testing.T) {
	monitor := NewHealthMonitorWithDefaults()
	defer monitor.Close()

	monitor.RecordMessageReceived()
	assert.Equal(t, ConnectionQualityDisconnected, monitor.quality(time.Now().Add(3*time.Minute)))
}

func TestHealthSnapshot(t *testing.T) {
	monitor := NewHealthMonitorWithDefaults()
	defer monitor.Close()

	monitor.SetPendingRequestCount(func() int { return 2 })
	monitor.RecordMessageSent()
	monitor.RecordMessageReceived()
	monitor.RecordReconnectAttempt()

	snapshot := monitor.Snapshot()
	assert.Equal(t, 2, snapshot.PendingRequestCount)
	assert.Equal(t, 1, snapshot.ReconnectAttempts)
	assert.Equal(t, false, snapshot.LastMessageSent.IsZero())
	assert.Equal(t, false, snapshot.LastMessageReceived.IsZero())

	monitor.ResetReconnectAttempts()
	assert.Equal(t, 0, monitor.Snapshot().ReconnectAttempts)
}
