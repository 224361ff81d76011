package diskmanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/windowstore/internal/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// StatFunc reports the total and available bytes of the filesystem holding path
type StatFunc func(path string) (total, available uint64, err error)

// Statfs is the StatFunc backed by statfs(2)
func Statfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// DiskManager tracks free space under the store data directory and rejects
// snapshot writes once the disk is close to full
type DiskManager struct {
	dataDir       string
	logger        *zap.Logger
	stat          StatFunc
	checkInterval time.Duration

	warningThreshold        float64
	circuitBreakerThreshold float64

	mu                   sync.Mutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	cachedTotalBytes     uint64
	isCircuitBroken      bool
}

// Config holds configuration for the disk manager
type Config struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	CircuitBreakerThreshold float64
	Stat                    StatFunc
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a disk manager and performs an initial check
func NewDiskManager(cfg *Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, errors.InvalidArgument("data directory is required", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		stat:                    cfg.Stat,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}
	if dm.stat == nil {
		dm.stat = Statfs
	}

	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

// CheckBeforeWrite returns an error when a write of estimatedBytes should
// not proceed
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.isCircuitBroken {
		return errors.ResourceExhausted("disk", int(dm.cachedUsagePercent), int(dm.circuitBreakerThreshold)).
			WithDetail("data_dir", dm.dataDir)
	}
	if estimatedBytes > dm.cachedAvailableBytes {
		return errors.StoreIO(
			fmt.Sprintf("insufficient space: need %d bytes, have %d bytes", estimatedBytes, dm.cachedAvailableBytes), nil)
	}
	return nil
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkDiskSpace()
}

// checkDiskSpace must be called with dm.mu held
func (dm *DiskManager) checkDiskSpace() error {
	total, available, err := dm.stat(dm.dataDir)
	if err != nil {
		return err
	}

	usagePercent := 0.0
	if total > 0 {
		usagePercent = float64(total-available) / float64(total) * 100.0
	}

	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = available
	dm.cachedTotalBytes = total
	dm.lastCheck = time.Now()

	previouslyBroken := dm.isCircuitBroken
	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold

	switch {
	case dm.isCircuitBroken && !previouslyBroken:
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	case !dm.isCircuitBroken && previouslyBroken:
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available))
	case usagePercent >= dm.warningThreshold && !dm.isCircuitBroken:
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}

	return nil
}

// GetDiskUsage returns the most recent disk usage statistics
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return DiskUsageStats{
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		TotalBytes:      dm.cachedTotalBytes,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	TotalBytes      uint64
	IsCircuitBroken bool
	LastCheck       time.Time
}
