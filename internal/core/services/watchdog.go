package services

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

const (
	watchdogInterval      = 10 * time.Minute
	watchdogDiskThreshold = 70.0 // percent
	watchdogRetentionDays = 7
	watchdogPurgeBatch    = 1000
)

// RunWatchdog starts the auto-purge background service. Every interval it
// checks real disk usage and, above the threshold, deletes processed webhook
// logs and messages older than the retention window in bounded batches.
func RunWatchdog(db *sql.DB) {
	ticker := time.NewTicker(watchdogInterval)

	go func() {
		for range ticker.C {
			runWatchdogOnce(db)
		}
	}()

	slog.Info("watchdog started",
		"interval", watchdogInterval,
		"disk_threshold_pct", watchdogDiskThreshold,
	)
}

func runWatchdogOnce(db *sql.DB) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	usage, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		slog.Warn("watchdog disk check failed", "error", err)
		return
	}

	if usage.UsedPercent < watchdogDiskThreshold {
		slog.Debug("watchdog disk usage ok", "used_pct", usage.UsedPercent)
		return
	}

	slog.Warn("watchdog purging old records",
		"used_pct", usage.UsedPercent,
		"retention_days", watchdogRetentionDays,
	)

	// Bounded batches; webhook logs keep pending and failed rows for replay
	for _, target := range watchdogPurgeTargets() {
		result, err := db.ExecContext(ctx, target.query, watchdogRetentionDays, watchdogPurgeBatch)
		if err != nil {
			slog.Error("watchdog purge failed", "table", target.table, "error", err)
			continue
		}
		rows, _ := result.RowsAffected()
		slog.Info("watchdog purged rows", "table", target.table, "rows", rows)
	}
}

type purgeTarget struct {
	table string
	query string
}

func watchdogPurgeTargets() []purgeTarget {
	return []purgeTarget{
		{
			table: "webhook_logs",
			query: `DELETE FROM webhook_logs
			 WHERE status = 'processed'
			   AND created_at < DATE_SUB(NOW(), INTERVAL ? DAY)
			 LIMIT ?`,
		},
		{
			table: "messages",
			query: `DELETE FROM messages
			 WHERE created_at < DATE_SUB(NOW(), INTERVAL ? DAY)
			 LIMIT ?`,
		},
	}
}
