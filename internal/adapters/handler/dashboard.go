package handler

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"botbridge/internal/adapters/repository"
)

// DashboardHandler serves operational metrics and gateway statistics
type DashboardHandler struct {
	repo  *repository.MariaDBRepository
	redis *redis.Client
}

// NewDashboardHandler creates a new dashboard handler instance
func NewDashboardHandler(repo *repository.MariaDBRepository, rdb *redis.Client) *DashboardHandler {
	return &DashboardHandler{
		repo:  repo,
		redis: rdb,
	}
}

var appStartTime = time.Now()

// ============================================================================
// System Health & Metrics
// ============================================================================

// SystemMetricsResponse represents system health data
type SystemMetricsResponse struct {
	CPUPercent        float64 `json:"cpu_percent"`
	RAMUsedGB         float64 `json:"ram_used_gb"`
	RAMTotalGB        float64 `json:"ram_total_gb"`
	RAMPercent        float64 `json:"ram_percent"`
	DiskUsedGB        float64 `json:"disk_used_gb"`
	DiskTotalGB       float64 `json:"disk_total_gb"`
	DiskPercent       float64 `json:"disk_percent"`
	GoroutinesCount   int     `json:"goroutines_count"`
	WatchdogActive    bool    `json:"watchdog_active"`
	WatchdogThreshold float64 `json:"watchdog_threshold"`
	DiskWarningLevel  string  `json:"disk_warning_level"` // "safe" | "warning" | "critical"
}

// GetSystemMetrics returns current system health metrics
// GET /api/system/metrics
func (h *DashboardHandler) GetSystemMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// CPU usage (average over 1 second)
	cpuPercents, err := cpu.PercentWithContext(ctx, time.Second, false)
	var cpuPercent float64
	if err == nil && len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	memStat, err := mem.VirtualMemoryWithContext(ctx)
	var ramUsedGB, ramTotalGB, ramPercent float64
	if err == nil {
		ramUsedGB = float64(memStat.Used) / 1024 / 1024 / 1024
		ramTotalGB = float64(memStat.Total) / 1024 / 1024 / 1024
		ramPercent = memStat.UsedPercent
	}

	diskStat, err := disk.UsageWithContext(ctx, "/")
	var diskUsedGB, diskTotalGB, diskPercent float64
	if err == nil {
		diskUsedGB = float64(diskStat.Used) / 1024 / 1024 / 1024
		diskTotalGB = float64(diskStat.Total) / 1024 / 1024 / 1024
		diskPercent = diskStat.UsedPercent
	}

	watchdogThreshold := 70.0

	var diskWarningLevel string
	switch {
	case diskPercent < 70:
		diskWarningLevel = "safe"
	case diskPercent < 80:
		diskWarningLevel = "warning"
	default:
		diskWarningLevel = "critical"
	}

	response := SystemMetricsResponse{
		CPUPercent:        roundTo2Decimals(cpuPercent),
		RAMUsedGB:         roundTo2Decimals(ramUsedGB),
		RAMTotalGB:        roundTo2Decimals(ramTotalGB),
		RAMPercent:        roundTo2Decimals(ramPercent),
		DiskUsedGB:        roundTo2Decimals(diskUsedGB),
		DiskTotalGB:       roundTo2Decimals(diskTotalGB),
		DiskPercent:       roundTo2Decimals(diskPercent),
		GoroutinesCount:   runtime.NumGoroutine(),
		WatchdogActive:    diskPercent > watchdogThreshold,
		WatchdogThreshold: watchdogThreshold,
		DiskWarningLevel:  diskWarningLevel,
	}

	slog.Debug("System metrics retrieved",
		"cpu", cpuPercent,
		"disk_percent", diskPercent,
	)

	writeJSON(w, NewSuccessResponse(response))
}

// ============================================================================
// Gateway Statistics
// ============================================================================

// GatewayStatsResponse aggregates webhook and message counters
type GatewayStatsResponse struct {
	Uptime        string                   `json:"uptime"`
	Webhooks      []repository.WebhookStat `json:"webhooks"`
	Messages      map[string]int64         `json:"messages"`
	CacheOnline   bool                     `json:"cache_online"`
	DatabaseError string                   `json:"database_error,omitempty"`
}

// GetStats returns webhook processing counters per platform and status
// GET /api/stats
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := GatewayStatsResponse{
		Uptime:   time.Since(appStartTime).Round(time.Second).String(),
		Messages: map[string]int64{},
	}

	webhooks, err := h.repo.CountWebhooks(ctx)
	if err != nil {
		slog.Error("Failed to count webhooks", "error", err)
		resp.DatabaseError = err.Error()
	} else {
		resp.Webhooks = webhooks
	}

	messages, err := h.repo.CountMessages(ctx)
	if err != nil {
		slog.Error("Failed to count messages", "error", err)
		resp.DatabaseError = err.Error()
	} else {
		resp.Messages = messages
	}

	resp.CacheOnline = h.redis.Ping(ctx).Err() == nil

	writeJSON(w, NewSuccessResponse(resp))
}

// ============================================================================
// Health Check
// ============================================================================

// HealthCheck returns a minimal liveness probe
// GET /health
func (h *DashboardHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, NewSuccessResponse(map[string]string{
		"status": "ok",
		"uptime": time.Since(appStartTime).Round(time.Second).String(),
	}))
}

func roundTo2Decimals(v float64) float64 {
	return float64(int(v*100)) / 100
}
