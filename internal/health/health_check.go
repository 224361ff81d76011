package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devrev/pairdb/windowstore/internal/model"
	"github.com/devrev/pairdb/windowstore/internal/storage/diskmanager"
	"go.uber.org/zap"
)

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// CacheStats is the view of the record cache used by the checks
type CacheStats interface {
	UsagePercent() float64
	HitRate() float64
}

// DiskStats is the view of the disk guard used by the checks
type DiskStats interface {
	GetDiskUsage() diskmanager.DiskUsageStats
}

// HealthChecker periodically checks the window store process
type HealthChecker struct {
	applicationID string
	dataDir       string
	interval      time.Duration
	cache         CacheStats
	disk          DiskStats
	logger        *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	metrics     model.HealthMetrics
	checks      map[string]CheckResult
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	ApplicationID string
	DataDir       string // empty skips the data directory check
	CheckInterval time.Duration
}

// NewHealthChecker creates a health checker. disk may be nil for stores
// kept in memory.
func NewHealthChecker(cfg *HealthCheckConfig, cache CacheStats, disk DiskStats, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		applicationID: cfg.ApplicationID,
		dataDir:       cfg.DataDir,
		interval:      interval,
		cache:         cache,
		disk:          disk,
		logger:        logger,
		checks:        make(map[string]CheckResult),
		readinessOK:   true,
		status:        model.NodeStatusHealthy,
	}
}

// Start runs the checks every interval until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all checks and updates the status
func (h *HealthChecker) RunChecks() {
	results := []CheckResult{h.checkCache()}
	if h.disk != nil {
		results = append(results, h.checkDiskSpace())
	}
	if h.dataDir != "" {
		results = append(results, h.checkDataDirAccessible())
	}

	var m model.HealthMetrics
	if h.cache != nil {
		m.CacheUsagePercent = h.cache.UsagePercent()
		m.CacheHitRate = h.cache.HitRate()
	}
	if h.disk != nil {
		m.DiskUsagePercent = h.disk.GetDiskUsage().UsagePercent
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	status := model.NodeStatusHealthy
	for _, result := range results {
		h.checks[result.Name] = result
		switch result.Status {
		case StatusCritical:
			status = model.NodeStatusUnhealthy
		case StatusWarning:
			if status == model.NodeStatusHealthy {
				status = model.NodeStatusDegraded
			}
		}
	}

	h.lastCheck = time.Now()
	h.metrics = m
	h.status = status
	ready := status != model.NodeStatusUnhealthy
	if !ready && h.readinessOK {
		h.logger.Warn("Window store not ready", zap.String("status", string(status)))
	}
	h.readinessOK = ready

	h.logger.Debug("Health check completed",
		zap.String("status", string(status)),
		zap.Bool("readiness", ready))
}

func (h *HealthChecker) checkCache() CheckResult {
	if h.cache == nil {
		return CheckResult{Name: "cache", Status: StatusHealthy, Message: "No cache configured", Timestamp: time.Now()}
	}
	return CheckResult{
		Name:      "cache",
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("Cache usage: %.2f%%, hit rate: %.2f", h.cache.UsagePercent(), h.cache.HitRate()),
		Timestamp: time.Now(),
	}
}

func (h *HealthChecker) checkDiskSpace() CheckResult {
	usage := h.disk.GetDiskUsage()
	result := CheckResult{Name: "disk_space", Timestamp: time.Now()}

	switch {
	case usage.IsCircuitBroken:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Disk circuit breaker engaged at %.2f%%", usage.UsagePercent)
		return result
	case usage.LastCheck.IsZero():
		result.Status = StatusWarning
		result.Message = "Disk usage unknown"
		return result
	}

	switch model.StatusFor(model.HealthMetrics{DiskUsagePercent: usage.UsagePercent}) {
	case model.NodeStatusUnhealthy:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Disk usage critical: %.2f%%", usage.UsagePercent)
	case model.NodeStatusDegraded:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Disk usage high: %.2f%%", usage.UsagePercent)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB",
			usage.UsagePercent, float64(usage.AvailableBytes)/1024/1024/1024)
	}
	return result
}

func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	result := CheckResult{Name: "data_dir_accessible", Timestamp: time.Now()}

	info, err := os.Stat(h.dataDir)
	switch {
	case err != nil:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Data directory not accessible: %v", err)
		return result
	case !info.IsDir():
		result.Status = StatusCritical
		result.Message = "Data path is not a directory"
		return result
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Cannot write to data directory: %v", err)
		return result
	}
	f.Close()
	os.Remove(testFile)

	result.Status = StatusHealthy
	result.Message = "Data directory is accessible and writable"
	return result
}

// IsReady returns whether the process can accept records
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		ApplicationID: h.applicationID,
		Status:        h.status,
		Timestamp:     h.lastCheck.Unix(),
		Metrics:       h.metrics,
	}
}

// GetChecks returns a copy of the latest check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy":        true,
		"status":         status.Status,
		"application_id": status.ApplicationID,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":               ready,
		"status":              status.Status,
		"cache_usage_percent": status.Metrics.CacheUsagePercent,
		"disk_usage_percent":  status.Metrics.DiskUsagePercent,
	})
}
