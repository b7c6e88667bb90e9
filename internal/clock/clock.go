// Package clock provides the time source used to stamp LWW records and
// to drive the failure detector's heartbeat arithmetic. It optionally
// corrects the local monotonic wall clock against an NTP server so that
// LWW timestamps compare sanely across nodes whose local clocks have
// drifted.
package clock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// Clock is the time source injected into components that need "now".
// Tests supply a fake implementation; production wiring supplies
// either SystemClock or NTPClock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the zero-configuration Clock: plain time.Now().
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Health reports the last NTP sync outcome.
type Health struct {
	NTPHealthy  bool
	NTPOffsetMs float64
	NTPError    string
}

// NTPClock periodically queries an NTP server and applies the measured
// offset on top of the local wall clock. It degrades gracefully: on
// query failure it keeps using the last known-good offset and reports
// the failure via Health.
type NTPClock struct {
	server   string
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	offset time.Duration
	health Health

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewNTPClock constructs an NTPClock that resyncs against server every
// interval (default 5 minutes if interval <= 0).
func NewNTPClock(server string, interval time.Duration) *NTPClock {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &NTPClock{
		server:   server,
		interval: interval,
		log:      slog.With("component", "clock"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start performs an initial synchronous sync attempt (best-effort) and
// then launches the background resync loop until ctx is done or Stop
// is called.
func (c *NTPClock) Start(ctx context.Context) {
	c.sync()
	go c.loop(ctx)
}

func (c *NTPClock) loop(ctx context.Context) {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sync()
		}
	}
}

func (c *NTPClock) sync() {
	resp, err := ntp.Query(c.server)
	if err != nil {
		c.mu.Lock()
		c.health = Health{NTPHealthy: false, NTPError: err.Error(), NTPOffsetMs: c.health.NTPOffsetMs}
		c.mu.Unlock()
		c.log.Warn("ntp query failed, keeping last offset", "server", c.server, "err", err)
		return
	}
	if err := resp.Validate(); err != nil {
		c.mu.Lock()
		c.health = Health{NTPHealthy: false, NTPError: err.Error(), NTPOffsetMs: c.health.NTPOffsetMs}
		c.mu.Unlock()
		c.log.Warn("ntp response invalid, keeping last offset", "server", c.server, "err", err)
		return
	}

	c.mu.Lock()
	c.offset = resp.ClockOffset
	c.health = Health{NTPHealthy: true, NTPOffsetMs: float64(resp.ClockOffset.Microseconds()) / 1000.0}
	c.mu.Unlock()
	c.log.Debug("ntp sync ok", "server", c.server, "offset", resp.ClockOffset)
}

func (c *NTPClock) Now() time.Time {
	c.mu.RLock()
	off := c.offset
	c.mu.RUnlock()
	return time.Now().Add(off)
}

func (c *NTPClock) HealthSnapshot() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

func (c *NTPClock) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// String satisfies fmt.Stringer for readable logging.
func (h Health) String() string {
	if h.NTPHealthy {
		return fmt.Sprintf("healthy (offset %.2fms)", h.NTPOffsetMs)
	}
	if h.NTPError != "" {
		return fmt.Sprintf("unhealthy (%s)", h.NTPError)
	}
	return "unknown"
}
