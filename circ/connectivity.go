package circ

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Monitor tracks whether the workstation can reach the library-services
// backend and notifies subscribers on every transition. It keeps no
// history: late subscribers see only future transitions.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
}

// NewMonitor creates a monitor that starts in the disconnected state.
func NewMonitor() *Monitor {
	return &Monitor{subs: make(map[int]func(bool))}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the observed state. Subscribers are notified only when the
// state actually changes; re-announcing the same state is a no-op.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	callbacks := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(online)
	}
}

// Subscribe registers a callback for connectivity transitions and returns a
// token for Unsubscribe.
func (m *Monitor) Subscribe(fn func(online bool)) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.subs[m.nextID] = fn
	return m.nextID
}

// Unsubscribe removes a previously registered callback.
func (m *Monitor) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}

// Watch probes healthURL on the given interval and feeds the result into
// the monitor until ctx is cancelled. Run it in its own goroutine.
func (m *Monitor) Watch(ctx context.Context, client *http.Client, healthURL string, interval time.Duration) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Set(probe(ctx, client, healthURL))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Set(probe(ctx, client, healthURL))
		}
	}
}

func probe(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
