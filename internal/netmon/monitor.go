// Package netmon reports network reachability of the remote store.
// Reachability is polled, never pushed: callers read a cached probe
// result and a background loop refreshes it.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/openfield-dev/casesync/internal/logging"
)

// ChangeFunc is invoked on reachability transitions.
type ChangeFunc func(reachable bool)

// Monitor probes a health endpoint and caches the result.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client

	mu        sync.RWMutex
	reachable bool
	checked   bool
	lastCheck time.Time
	onChange  []ChangeFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor polling probeURL at the given interval.
func NewMonitor(probeURL string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		probeURL: probeURL,
		interval: interval,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		stopCh: make(chan struct{}),
	}
}

// OnChange registers a callback fired on every reachability
// transition. Must be called before Start.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Reachable returns the cached reachability. The first call before any
// probe has completed performs a synchronous check.
func (m *Monitor) Reachable() bool {
	m.mu.RLock()
	checked := m.checked
	reachable := m.reachable
	m.mu.RUnlock()

	if checked {
		return reachable
	}
	return m.Check(context.Background())
}

// Check performs an immediate probe, updates the cached state and
// fires transition callbacks.
func (m *Monitor) Check(ctx context.Context) bool {
	reachable := m.probe(ctx)

	m.mu.Lock()
	was := m.reachable
	wasChecked := m.checked
	m.reachable = reachable
	m.checked = true
	m.lastCheck = time.Now()
	callbacks := m.onChange
	m.mu.Unlock()

	if !wasChecked || was != reachable {
		logging.Info("Reachability changed",
			map[string]interface{}{
				"reachable": reachable,
				"probe_url": m.probeURL,
			})
		for _, fn := range callbacks {
			fn(reachable)
		}
	}

	return reachable
}

// Start begins the background polling loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		// Establish initial state before the first tick.
		m.Check(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop terminates the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// probe issues a single health request.
func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
