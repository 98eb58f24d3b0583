package health

import (
	"fmt"
	"time"
)

// NewHealthy returns a healthy status for component.
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy returns an unhealthy status for component.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded returns a degraded status for component.
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// severity orders states; an unknown state counts as unhealthy.
func severity(state string) int {
	switch state {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	default:
		return 2
	}
}

// Aggregate folds sub-statuses into one status carrying the worst state among them. The message
// names how many components are in that state.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no components registered")
	}

	worst, count := StateHealthy, 0
	for _, sub := range subStatuses {
		switch s := severity(sub.Status); {
		case s > severity(worst):
			worst, count = sub.Status, 1
			if s == 2 {
				worst = StateUnhealthy
			}
		case s == severity(worst):
			count++
		}
	}

	var status Status
	switch worst {
	case StateHealthy:
		status = NewHealthy(component, fmt.Sprintf("all %d components healthy", count))
	case StateDegraded:
		status = NewDegraded(component, fmt.Sprintf("%d of %d components degraded", count, len(subStatuses)))
	default:
		status = NewUnhealthy(component, fmt.Sprintf("%d of %d components unhealthy", count, len(subStatuses)))
	}
	status.SubStatuses = append([]Status(nil), subStatuses...)
	return status
}
