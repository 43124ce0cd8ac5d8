// Package heartbeat supervises the liveness of an open backend stream.
//
// The read loop calls Beat for every frame it receives. A background ticker
// checks the time since the last beat; once it exceeds the timeout the
// monitor marks itself dead and runs the timeout callback, which is expected
// to cancel the pending read. The read loop and the ticker share only an
// atomic timestamp and an atomic flag.
package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTimeout is how long a stream may stay silent.
	DefaultTimeout = 45 * time.Second
	// DefaultCheckInterval is how often silence is measured.
	DefaultCheckInterval = 5 * time.Second
)

// Config holds the liveness policy.
type Config struct {
	Timeout       time.Duration
	CheckInterval time.Duration
}

// DefaultConfig returns the default liveness policy.
func DefaultConfig() Config {
	return Config{Timeout: DefaultTimeout, CheckInterval: DefaultCheckInterval}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CheckInterval <= 0 || c.CheckInterval >= c.Timeout {
		c.CheckInterval = min(DefaultCheckInterval, c.Timeout/4)
		if c.CheckInterval <= 0 {
			c.CheckInterval = c.Timeout
		}
	}
	return c
}

// Monitor watches one stream. Create it with Start and always Stop it.
type Monitor struct {
	cfg       Config
	onTimeout func()

	last atomic.Int64
	dead atomic.Bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Start begins supervising. onTimeout runs at most once, on the monitor's
// goroutine, after the monitor is marked dead; it must not call Stop.
func Start(cfg Config, onTimeout func()) *Monitor {
	m := &Monitor{
		cfg:       cfg.withDefaults(),
		onTimeout: onTimeout,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.Beat()
	go m.run()
	return m
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if m.Silence() <= m.cfg.Timeout {
				continue
			}
			m.dead.Store(true)
			if m.onTimeout != nil {
				m.onTimeout()
			}
			return
		}
	}
}

// Beat records that a frame arrived.
func (m *Monitor) Beat() {
	m.last.Store(time.Now().UnixNano())
}

// Silence returns the time since the last beat.
func (m *Monitor) Silence() time.Duration {
	return time.Since(time.Unix(0, m.last.Load()))
}

// Dead reports whether the monitor gave up on the stream.
func (m *Monitor) Dead() bool { return m.dead.Load() }

// Timeout returns the effective silence limit.
func (m *Monitor) Timeout() time.Duration { return m.cfg.Timeout }

// Stop tears the monitor down and waits for its goroutine to exit. It is
// safe to call more than once and after a timeout.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}
