package health

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		status    Status
		healthy   bool
		degraded  bool
		unhealthy bool
	}{
		{NewHealthy("a", ""), true, false, false},
		{NewDegraded("a", ""), false, true, false},
		{NewUnhealthy("a", ""), false, false, true},
		{Status{}, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.Status, func(t *testing.T) {
			assert.Equal(t, tt.healthy, tt.status.IsHealthy())
			assert.Equal(t, tt.healthy, tt.status.Healthy)
			assert.Equal(t, tt.degraded, tt.status.IsDegraded())
			assert.Equal(t, tt.unhealthy, tt.status.IsUnhealthy())
		})
	}
}

func TestAggregate(t *testing.T) {
	assert.True(t, Aggregate("sys", nil).IsHealthy())

	agg := Aggregate("sys", []Status{NewHealthy("a", ""), NewDegraded("b", "")})
	assert.True(t, agg.IsDegraded())
	assert.Len(t, agg.SubStatuses, 2)

	agg = Aggregate("sys", []Status{NewDegraded("b", ""), NewUnhealthy("c", "")})
	assert.True(t, agg.IsUnhealthy())
	assert.Equal(t, "sys", agg.Component)
}

func TestFromError_Sanitizes(t *testing.T) {
	assert.True(t, FromError("store", nil).IsHealthy())

	st := FromError("store", errors.New("dial nats://10.0.0.4:4222 failed: password=hunter2"))
	assert.True(t, st.IsUnhealthy())
	assert.NotContains(t, st.Message, "10.0.0.4")
	assert.NotContains(t, st.Message, "hunter2")
	assert.Contains(t, st.Message, "[URL]")
	assert.Contains(t, st.Message, "[REDACTED]")

	st = FromError("sqlite", errors.New("open /var/lib/backtrack/poses.db: permission denied"))
	assert.Equal(t, "open [PATH]: permission denied", st.Message)
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	assert.Equal(t, 0, m.Count())

	m.Update("joiner", Status{Component: "wrong", Status: StateHealthy})
	got, ok := m.Get("joiner")
	require.True(t, ok)
	assert.Equal(t, "joiner", got.Component)
	assert.False(t, got.Timestamp.IsZero())

	m.UpdateDegraded("store", "slow")
	m.UpdateHealthy("nats", "connected")

	agg := m.AggregateHealth("backtrack")
	assert.True(t, agg.IsDegraded())
	require.Len(t, agg.SubStatuses, 3)
	assert.Equal(t, "joiner", agg.SubStatuses[0].Component)
	assert.Equal(t, "nats", agg.SubStatuses[1].Component)
	assert.Equal(t, "store", agg.SubStatuses[2].Component)

	m.UpdateUnhealthy("store", "down")
	assert.True(t, m.AggregateHealth("backtrack").IsUnhealthy())

	m.Remove("store")
	assert.Equal(t, 2, m.Count())
	_, ok = m.Get("store")
	assert.False(t, ok)
}

func TestMonitor_Concurrent(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.UpdateHealthy("a", "ok")
			} else {
				_ = m.AggregateHealth("sys")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, m.Count())
}

func TestAggregate_CountsWorstState(t *testing.T) {
	agg := Aggregate("sys", []Status{NewHealthy("a", ""), NewDegraded("b", ""), NewDegraded("c", "")})
	assert.Equal(t, "2 of 3 components degraded", agg.Message)

	agg = Aggregate("sys", []Status{NewDegraded("a", ""), {Component: "b", Status: "lost"}})
	assert.True(t, agg.IsUnhealthy())
	assert.Equal(t, "1 of 2 components unhealthy", agg.Message)

	agg = Aggregate("sys", []Status{NewHealthy("a", ""), NewHealthy("b", "")})
	assert.Equal(t, "all 2 components healthy", agg.Message)
}
