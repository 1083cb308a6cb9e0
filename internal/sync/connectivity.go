package sync

import (
	"context"
	"fmt"
	"log"
	"net/http"
	gosync "sync"
	"time"
)

// Prober confirms that the remote store is actually reachable. Link-layer
// connectivity alone does not guarantee that.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber probes the backend health endpoint.
type HTTPProber struct {
	URL  string
	HTTP *http.Client
}

// NewHTTPProber creates a prober against baseURL/health.
func NewHTTPProber(baseURL string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		URL:  baseURL + "/health",
		HTTP: &http.Client{Timeout: timeout},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}

// ConnectivityEvent is one online/offline transition.
type ConnectivityEvent struct {
	Online bool
	At     time.Time
}

// Monitor is the single source of truth for "can we reach the remote store
// right now". The platform reports link-layer reachability via SetReachable;
// the monitor only reports online after the probe confirms the remote store
// answers, so a noisy link never flaps the coordinator into a drain.
type Monitor struct {
	prober       Prober
	probeTimeout time.Duration
	notifier     Notifier

	mu        gosync.Mutex
	reachable bool
	online    bool
	subs      map[int]chan ConnectivityEvent
	nextSub   int
}

// NewMonitor creates a Monitor. It starts offline until the platform reports
// reachability and the probe confirms it.
func NewMonitor(prober Prober, probeTimeout time.Duration, notifier Notifier) *Monitor {
	return &Monitor{
		prober:       prober,
		probeTimeout: probeTimeout,
		notifier:     notifier,
		subs:         make(map[int]chan ConnectivityEvent),
	}
}

// Online returns the current confirmed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel of transition events plus an unsubscribe
// function. The channel is buffered; a slow consumer drops events rather
// than blocking the monitor.
func (m *Monitor) Subscribe() (<-chan ConnectivityEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan ConnectivityEvent, 8)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// SetReachable ingests the platform connectivity signal. Going unreachable
// reports offline immediately; going reachable reports online only once the
// probe succeeds.
func (m *Monitor) SetReachable(ctx context.Context, reachable bool) {
	m.mu.Lock()
	m.reachable = reachable
	m.mu.Unlock()

	if !reachable {
		m.transition(false)
		return
	}
	m.confirm(ctx)
}

// Recheck re-runs the probe if the link claims to be reachable but the
// confirmed state is offline. Used on app resume and by the periodic loop.
func (m *Monitor) Recheck(ctx context.Context) {
	m.mu.Lock()
	reachable, online := m.reachable, m.online
	m.mu.Unlock()
	if reachable && !online {
		m.confirm(ctx)
	}
}

// Start runs a periodic recheck until ctx is cancelled, so a failed probe
// after reconnect eventually self-heals without a platform event.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Recheck(ctx)
			}
		}
	}()
}

func (m *Monitor) confirm(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := m.prober.Probe(probeCtx); err != nil {
		log.Printf("📡 Connectivity: reachable but probe failed, staying offline: %v", err)
		m.transition(false)
		return
	}
	m.transition(true)
}

func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	ev := ConnectivityEvent{Online: online, At: time.Now().UTC()}
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	m.mu.Unlock()

	if online {
		log.Printf("📡 Connectivity: online")
	} else {
		log.Printf("📡 Connectivity: offline")
	}
	if m.notifier != nil {
		m.notifier.ConnectivityChanged(online)
	}
}
