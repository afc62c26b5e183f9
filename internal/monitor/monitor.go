// Package monitor tracks reachability of the central server by actively
// probing multiple endpoints. HTTP request success alone is not trusted:
// captive portals answer every request with a redirect to their login page,
// so cross-host redirects are treated as an unreachable link.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/pdcretail/possync/internal/events"
	"github.com/pdcretail/possync/internal/logging"
)

// State is the current link classification.
type State int

const (
	StateOffline State = iota
	StateOnline
	StateSlow
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateSlow:
		return "slow"
	default:
		return "offline"
	}
}

// Reachable reports whether sync traffic may be attempted in this state.
func (s State) Reachable() bool {
	return s == StateOnline || s == StateSlow
}

var errCaptivePortal = errors.New("redirected off-host, captive portal suspected")

// Options configures a Monitor.
type Options struct {
	// Endpoints are probe URLs. At least two are required so a single
	// application outage is not mistaken for a network outage.
	Endpoints     []string
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration
	SlowThreshold time.Duration
	// SlowProbeTimeout and SlowProbeInterval replace the base timeout and
	// interval while the link is classified slow, so a degraded round trip
	// is not misread as an outage and the probes themselves stay off the
	// strained path. Both default to twice their base counterpart.
	SlowProbeTimeout  time.Duration
	SlowProbeInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

// Monitor polls the probe endpoints and publishes state transitions.
//
// While offline, probing follows a capped exponential backoff with jitter so
// a rack of terminals recovering from the same outage does not reconnect in
// lockstep. The backoff resets as soon as a probe succeeds. While slow, the
// loop keeps running but on the stretched cadence and with the longer probe
// timeout, so a degraded link is watched without being hammered.
type Monitor struct {
	opts Options
	bus  *events.Bus
	log  logging.Logger

	client *http.Client

	mu    sync.RWMutex
	state State

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(opts Options, bus *events.Bus, log logging.Logger) (*Monitor, error) {
	if len(opts.Endpoints) < 2 {
		return nil, fmt.Errorf("monitor requires at least 2 probe endpoints, got %d", len(opts.Endpoints))
	}
	if opts.SlowProbeTimeout <= 0 {
		opts.SlowProbeTimeout = 2 * opts.ProbeTimeout
	}
	if opts.SlowProbeInterval <= 0 {
		opts.SlowProbeInterval = 2 * opts.ProbeInterval
	}
	m := &Monitor{
		opts:  opts,
		bus:   bus,
		log:   log.With("component", "monitor"),
		state: StateOffline,
	}
	m.client = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.URL.Host != via[0].URL.Host {
				return errCaptivePortal
			}
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return nil
		},
	}
	return m, nil
}

// State returns the last observed link state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Start launches the probe loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop terminates the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	<-m.done
}

// CheckNow performs a single probe round immediately and returns the
// resulting state. It is safe to call whether or not the loop is running.
func (m *Monitor) CheckNow(ctx context.Context) State {
	return m.checkOnce(ctx)
}

func (m *Monitor) newBackoff() retry.Backoff {
	b := retry.NewExponential(m.opts.BackoffBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(m.opts.BackoffCap, b)
	return b
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	backoff := m.newBackoff()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		state := m.checkOnce(ctx)

		var wait time.Duration
		if state == StateOffline {
			wait, _ = backoff.Next()
		} else {
			backoff = m.newBackoff()
			wait = m.pollInterval(state)
		}
		timer.Reset(wait)
	}
}

// checkOnce probes every endpoint concurrently. The link counts as up if any
// endpoint answers; the fastest answer decides the Online/Slow split.
func (m *Monitor) checkOnce(ctx context.Context) State {
	type result struct {
		rtt time.Duration
		err error
	}

	results := make(chan result, len(m.opts.Endpoints))
	for _, endpoint := range m.opts.Endpoints {
		go func(url string) {
			rtt, err := m.probe(ctx, url)
			results <- result{rtt: rtt, err: err}
		}(endpoint)
	}

	best := time.Duration(-1)
	for range m.opts.Endpoints {
		r := <-results
		if r.err != nil {
			m.log.Debug(ctx, "probe failed", "error", r.err)
			continue
		}
		if best < 0 || r.rtt < best {
			best = r.rtt
		}
	}

	state := StateOffline
	if best >= 0 {
		if best > m.opts.SlowThreshold {
			state = StateSlow
		} else {
			state = StateOnline
		}
	}
	m.transition(ctx, state, best)
	return state
}

func (m *Monitor) transition(ctx context.Context, next State, rtt time.Duration) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if prev == next {
		return
	}

	m.log.Info(ctx, "link state changed", "from", prev.String(), "to", next.String(), "rtt", rtt)
	if next == StateOffline {
		m.bus.Publish(events.Event{Type: events.ConnectionLost})
		return
	}
	if !prev.Reachable() {
		m.bus.Publish(events.Event{Type: events.ConnectionRestored, Detail: rtt.String()})
	}
	if next == StateSlow {
		m.bus.Publish(events.Event{Type: events.ConnectionSlow, Detail: rtt.String()})
	}
}

// pollInterval is the wait before the next probe round while reachable. A
// slow link is probed on the stretched cadence, not reset to the base one.
func (m *Monitor) pollInterval(state State) time.Duration {
	if state == StateSlow {
		return m.opts.SlowProbeInterval
	}
	return m.opts.ProbeInterval
}

// probeTimeout is the per-request allowance given the last observed state.
func (m *Monitor) probeTimeout() time.Duration {
	if m.State() == StateSlow {
		return m.opts.SlowProbeTimeout
	}
	return m.opts.ProbeTimeout
}

func (m *Monitor) probe(ctx context.Context, url string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build probe request: %w", err)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("probe %s answered %d", url, resp.StatusCode)
	}
	return time.Since(start), nil
}
