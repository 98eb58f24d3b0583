package health

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Monitor holds the latest status reported by each named component. It is safe for concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor returns an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records status for name. The component field is forced to name and a zero timestamp is
// set to now.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// UpdateHealthy records a healthy status.
func (m *Monitor) UpdateHealthy(name, message string) { m.Update(name, NewHealthy(name, message)) }

// UpdateDegraded records a degraded status.
func (m *Monitor) UpdateDegraded(name, message string) { m.Update(name, NewDegraded(name, message)) }

// UpdateUnhealthy records an unhealthy status.
func (m *Monitor) UpdateUnhealthy(name, message string) { m.Update(name, NewUnhealthy(name, message)) }

// Get returns the last status of name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Remove forgets name, typically when a component stops.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	m.mu.Unlock()
}

// AggregateHealth aggregates every recorded status under systemName. Sub-statuses are ordered by
// component name so the /health output is stable.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := slices.Collect(maps.Values(m.statuses))
	m.mu.RUnlock()

	slices.SortFunc(subs, func(a, b Status) int { return strings.Compare(a.Component, b.Component) })
	return Aggregate(systemName, subs)
}

// Count is the number of components with a recorded status.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}
