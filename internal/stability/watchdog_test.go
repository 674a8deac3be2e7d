package stability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func testWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Interval:    10 * time.Millisecond,
		Deadline:    30 * time.Millisecond,
		QuietWindow: 100 * time.Millisecond,
	}
}

func TestWatchdogDegradesOnDeadlineViolation(t *testing.T) {
	ctrl := NewController(testMetrics(t))
	feed := NewLatencyFeed()
	w := NewWatchdog(ctrl, feed, testWatchdogConfig())

	feed.Publish(45 * time.Millisecond)
	w.tick(time.Now())

	assert.Equal(t, ModeDegraded, ctrl.Snapshot().Mode)
}

func TestWatchdogIgnoresLatencyUnderDeadline(t *testing.T) {
	ctrl := NewController(testMetrics(t))
	feed := NewLatencyFeed()
	w := NewWatchdog(ctrl, feed, testWatchdogConfig())

	feed.Publish(5 * time.Millisecond)
	w.tick(time.Now())

	assert.Equal(t, ModeNormal, ctrl.Snapshot().Mode)
}

func TestWatchdogStaleSampleDoesNotRetrigger(t *testing.T) {
	ctrl := NewController(testMetrics(t))
	feed := NewLatencyFeed()
	cfg := testWatchdogConfig()
	w := NewWatchdog(ctrl, feed, cfg)

	now := time.Now()
	w.lastViolation = now

	feed.Publish(45 * time.Millisecond)
	w.tick(now)
	assert.Equal(t, ModeDegraded, ctrl.Snapshot().Mode)

	// No packets complete for a while. The slow sample still sits in the
	// feed, but without a new heartbeat it must not re-trigger degradation,
	// so the quiet window eventually restores. Pin the last-beat time so the
	// stall check stays out of the picture.
	for i := 1; i <= 10; i++ {
		tickAt := now.Add(time.Duration(i) * cfg.Interval)
		feed.lastBeatNs.Store(tickAt.UnixNano())
		w.tick(tickAt)
	}
	assert.Equal(t, ModeNormal, ctrl.Snapshot().Mode)
	assert.Equal(t, 45*time.Millisecond, feed.LastLatency(), "the stale sample is still there")
}

func TestWatchdogRestoresOnlyAfterQuietWindow(t *testing.T) {
	ctrl := NewController(testMetrics(t))
	feed := NewLatencyFeed()
	cfg := testWatchdogConfig()
	w := NewWatchdog(ctrl, feed, cfg)

	now := time.Now()
	feed.Publish(45 * time.Millisecond)
	w.tick(now)
	assert.Equal(t, ModeDegraded, ctrl.Snapshot().Mode)

	// Quiet but not yet for the full window.
	feed.Publish(2 * time.Millisecond)
	w.tick(now.Add(cfg.QuietWindow / 2))
	assert.Equal(t, ModeDegraded, ctrl.Snapshot().Mode, "half a quiet window is not enough")

	feed.Publish(2 * time.Millisecond)
	w.tick(now.Add(cfg.QuietWindow))
	assert.Equal(t, ModeNormal, ctrl.Snapshot().Mode)
}

func TestWatchdogViolationResetsQuietWindow(t *testing.T) {
	ctrl := NewController(testMetrics(t))
	feed := NewLatencyFeed()
	cfg := testWatchdogConfig()
	w := NewWatchdog(ctrl, feed, cfg)

	now := time.Now()
	feed.Publish(45 * time.Millisecond)
	w.tick(now)

	// A second violation mid-window pushes the restore point out.
	feed.Publish(50 * time.Millisecond)
	w.tick(now.Add(cfg.QuietWindow / 2))

	feed.Publish(2 * time.Millisecond)
	w.tick(now.Add(cfg.QuietWindow))
	assert.Equal(t, ModeDegraded, ctrl.Snapshot().Mode,
		"quiet window counts from the most recent violation")

	feed.Publish(2 * time.Millisecond)
	w.tick(now.Add(cfg.QuietWindow/2 + cfg.QuietWindow))
	assert.Equal(t, ModeNormal, ctrl.Snapshot().Mode)
}

func TestWatchdogDetectsHeartbeatStall(t *testing.T) {
	ctrl := NewController(testMetrics(t))
	feed := NewLatencyFeed()
	cfg := testWatchdogConfig()
	w := NewWatchdog(ctrl, feed, cfg)

	now := time.Now()
	feed.Publish(2 * time.Millisecond)
	w.tick(now)
	assert.Equal(t, ModeNormal, ctrl.Snapshot().Mode)

	// No further packets; well past the stall threshold.
	w.tick(now.Add(stallDeadlines*cfg.Deadline + cfg.Deadline))
	assert.Equal(t, ModeDegraded, ctrl.Snapshot().Mode)
}

func TestWatchdogNoStallBeforeFirstPacket(t *testing.T) {
	ctrl := NewController(testMetrics(t))
	feed := NewLatencyFeed()
	w := NewWatchdog(ctrl, feed, testWatchdogConfig())

	// Stream never started; nothing to supervise yet.
	w.tick(time.Now().Add(time.Hour))
	assert.Equal(t, ModeNormal, ctrl.Snapshot().Mode)
}

func TestWatchdogStartStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := NewController(testMetrics(t))
	feed := NewLatencyFeed()
	w := NewWatchdog(ctrl, feed, testWatchdogConfig())

	w.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	w.Stop()
	w.Stop() // second stop is safe
}

func TestWatchdogStopWithoutStart(t *testing.T) {
	w := NewWatchdog(NewController(testMetrics(t)), NewLatencyFeed(), testWatchdogConfig())
	assert.NotPanics(t, func() { w.Stop() })
}

func TestLatencyFeedPublish(t *testing.T) {
	feed := NewLatencyFeed()
	assert.Equal(t, uint64(0), feed.Heartbeats())
	assert.True(t, feed.LastBeat().IsZero())

	feed.Publish(7 * time.Millisecond)
	assert.Equal(t, uint64(1), feed.Heartbeats())
	assert.Equal(t, 7*time.Millisecond, feed.LastLatency())
	assert.False(t, feed.LastBeat().IsZero())
}
