package model

// HealthStatus represents the health state of a window store process
type HealthStatus struct {
	ApplicationID string
	Status        NodeStatus
	Timestamp     int64
	Metrics       HealthMetrics
}

// NodeStatus defines the operational status of a process
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains various health metrics
type HealthMetrics struct {
	CacheUsagePercent float64
	CacheHitRate      float64
	DiskUsagePercent  float64
}

// StatusFor derives the process status from its metrics
func StatusFor(m HealthMetrics) NodeStatus {
	switch {
	case m.DiskUsagePercent > 95.0:
		return NodeStatusUnhealthy
	case m.DiskUsagePercent > 90.0:
		return NodeStatusDegraded
	default:
		return NodeStatusHealthy
	}
}
