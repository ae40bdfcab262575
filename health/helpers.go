package health

import "time"

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, "healthy", true, message)
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, "unhealthy", false, message)
}

// NewDegraded creates a degraded status. Degraded counts as not healthy
// but does not fail the aggregate on its own.
func NewDegraded(component, message string) Status {
	return newStatus(component, "degraded", false, message)
}

func newStatus(component, status string, healthy bool, message string) Status {
	return Status{
		Component: component,
		Healthy:   healthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate folds sub-statuses into one verdict: any unhealthy makes the
// aggregate unhealthy, otherwise any degraded makes it degraded.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	hasUnhealthy := false
	hasDegraded := false
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "One or more sub-components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "One or more sub-components are degraded")
	default:
		status = NewHealthy(component, "All sub-components are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}
