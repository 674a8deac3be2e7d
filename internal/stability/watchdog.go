package stability

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// LatencyFeed is the lock-free channel between the packet pipeline and the
// watchdog. The pipeline publishes elapsed time per packet; the watchdog
// samples it on its own timeline. Values may be momentarily stale, which is
// acceptable: degradation decisions apply to future packets only.
type LatencyFeed struct {
	lastLatencyNs atomic.Int64
	heartbeats    atomic.Uint64
	lastBeatNs    atomic.Int64
}

// NewLatencyFeed creates an empty feed.
func NewLatencyFeed() *LatencyFeed {
	return &LatencyFeed{}
}

// Publish records the latency of one completed packet and advances the
// heartbeat. Called from the audio thread; allocation free.
func (f *LatencyFeed) Publish(elapsed time.Duration) {
	f.lastLatencyNs.Store(int64(elapsed))
	f.heartbeats.Add(1)
	f.lastBeatNs.Store(time.Now().UnixNano())
}

// LastLatency returns the most recently published packet latency.
func (f *LatencyFeed) LastLatency() time.Duration {
	return time.Duration(f.lastLatencyNs.Load())
}

// Heartbeats returns the number of packets published so far.
func (f *LatencyFeed) Heartbeats() uint64 {
	return f.heartbeats.Load()
}

// LastBeat returns when the last packet completed, zero time if none yet.
func (f *LatencyFeed) LastBeat() time.Time {
	ns := f.lastBeatNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// WatchdogConfig carries the supervision parameters.
type WatchdogConfig struct {
	Interval    time.Duration // poll interval, ~10 ms design target
	Deadline    time.Duration // packet latency deadline, ~30 ms design target
	QuietWindow time.Duration // violation-free time required before restore
	CPULimit    float64       // system CPU percent ceiling, 0 disables
}

// Watchdog supervises observed packet latency from its own goroutine and
// drives the controller's transitions. It degrades immediately on a deadline
// violation or a heartbeat stall and restores only after a sustained quiet
// window, so the state machine does not flap.
type Watchdog struct {
	ctrl *Controller
	feed *LatencyFeed
	cfg  WatchdogConfig

	// tick-local supervision state, touched only by the watchdog goroutine
	lastViolation time.Time
	seenBeats     uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// heartbeat stall threshold, in multiples of the deadline. With packets
// every 5-20 ms, several deadlines without a completed packet means the
// audio thread is wedged, not idle between packets.
const stallDeadlines = 4

// NewWatchdog creates a watchdog bound to the given controller and feed.
func NewWatchdog(ctrl *Controller, feed *LatencyFeed, cfg WatchdogConfig) *Watchdog {
	return &Watchdog{
		ctrl: ctrl,
		feed: feed,
		cfg:  cfg,
		log:  getLogger(),
	}
}

// Start launches the supervision goroutine. The goroutine terminates when
// the given context is cancelled or Stop is called, whichever comes first.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.lastViolation = time.Now()

	w.wg.Add(1)
	go w.run(ctx)

	w.log.Info("watchdog started",
		"interval", w.cfg.Interval,
		"deadline", w.cfg.Deadline,
		"quiet_window", w.cfg.QuietWindow,
		"cpu_limit", w.cfg.CPULimit)
}

// Stop terminates the supervision goroutine and waits for it to exit.
// Safe to call more than once; never blocks engine teardown indefinitely.
func (w *Watchdog) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()

	if w.cfg.CPULimit > 0 {
		// Prime gopsutil's since-last-call sampling so the first tick
		// does not report a bogus interval.
		_, _ = cpu.Percent(0, false)
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick(time.Now())
		case <-ctx.Done():
			w.log.Info("watchdog stopping")
			return
		}
	}
}

// tick evaluates one supervision sample and drives the state machine.
func (w *Watchdog) tick(now time.Time) {
	violated := false
	beats := w.feed.Heartbeats()

	// Latency deadline check. Only packets completed since the previous
	// tick count; a stale sample must not keep re-triggering degradation
	// after the quiet window has passed.
	if beats != w.seenBeats {
		if lat := w.feed.LastLatency(); lat > w.cfg.Deadline {
			violated = true
			w.log.Warn("packet latency exceeded deadline",
				"latency", lat,
				"deadline", w.cfg.Deadline)
		}
	}

	// Heartbeat stall check. Only armed once the pipeline has produced at
	// least one packet; a stream that never started is not a stall.
	if beats > 0 && beats == w.seenBeats {
		if since := now.Sub(w.feed.LastBeat()); since > stallDeadlines*w.cfg.Deadline {
			violated = true
			w.log.Warn("heartbeats missed, audio thread may be stalled",
				"since_last_packet", since)
		}
	}
	w.seenBeats = beats

	// Secondary signal: sustained system CPU pressure predicts jitter
	// before the packet path actually misses its deadline.
	if w.cfg.CPULimit > 0 {
		if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
			if percents[0] > w.cfg.CPULimit {
				violated = true
				w.log.Warn("system CPU load above ceiling",
					"cpu_percent", percents[0],
					"limit", w.cfg.CPULimit)
			}
		}
	}

	if violated {
		w.lastViolation = now
		w.ctrl.ForceDegradation()
		return
	}

	// Hysteresis: restore only after a full quiet window without violations.
	if w.ctrl.Snapshot().Mode == ModeDegraded && now.Sub(w.lastViolation) >= w.cfg.QuietWindow {
		w.ctrl.RestorePerformance()
	}
}
