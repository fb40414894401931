package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"botbridge/internal/core/domain"
	"botbridge/internal/core/ports"
)

// Ensure MariaDBRepository implements the persistence ports
var (
	_ ports.WebhookRepository = (*MariaDBRepository)(nil)
	_ ports.MessageRepository = (*MariaDBRepository)(nil)
)

// MariaDBRepository implements webhook-log and message persistence.
//
// Schema:
//
//	CREATE TABLE webhook_logs (
//	    id BIGINT AUTO_INCREMENT PRIMARY KEY,
//	    platform VARCHAR(16) NOT NULL,
//	    payload_json JSON NOT NULL,
//	    status VARCHAR(16) NOT NULL DEFAULT 'pending',
//	    retry_count INT NOT NULL DEFAULT 0,
//	    error_log TEXT NULL,
//	    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
//	    INDEX idx_platform_status (platform, status)
//	);
//
//	CREATE TABLE messages (
//	    id BIGINT AUTO_INCREMENT PRIMARY KEY,
//	    message_id VARCHAR(128) NOT NULL,
//	    platform VARCHAR(16) NOT NULL,
//	    message_type VARCHAR(32) NOT NULL,
//	    content JSON NULL,
//	    sender_id VARCHAR(128) NOT NULL,
//	    chat_id VARCHAR(128) NOT NULL,
//	    chat_type VARCHAR(16) NOT NULL,
//	    mentions JSON NULL,
//	    raw_content MEDIUMTEXT NULL,
//	    create_time DATETIME NOT NULL,
//	    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
//	    UNIQUE KEY uq_message (platform, message_id)
//	);
type MariaDBRepository struct {
	db *sql.DB
}

// NewMariaDBRepository creates a new MariaDB repository instance
func NewMariaDBRepository(db *sql.DB) *MariaDBRepository {
	return &MariaDBRepository{db: db}
}

// ============================================================================
// WebhookRepository
// ============================================================================

// SaveLog persists a webhook event to the audit log and fills in its ID
func (r *MariaDBRepository) SaveLog(ctx context.Context, log *domain.WebhookLog) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_logs (platform, payload_json, status, retry_count, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		log.Platform, []byte(log.PayloadJSON), log.Status, log.RetryCount, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("webhook log insert id: %w", err)
	}
	log.ID = id
	return nil
}

// UpdateStatus updates the processing status of a webhook log
func (r *MariaDBRepository) UpdateStatus(ctx context.Context, id int64, status string, errorLog string) error {
	var errPtr *string
	if errorLog != "" {
		errPtr = &errorLog
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_logs SET status = ?, error_log = ? WHERE id = ?`,
		status, errPtr, id,
	)
	if err != nil {
		return fmt.Errorf("update webhook log status: %w", err)
	}
	return nil
}

// ============================================================================
// MessageRepository
// ============================================================================

// SaveMessage persists a canonical message. The content variant and mention
// list are stored as JSON columns.
func (r *MariaDBRepository) SaveMessage(ctx context.Context, msg *domain.CanonicalMessage) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		content = []byte("null")
	}
	mentions, err := json.Marshal(msg.Mentions)
	if err != nil {
		mentions = []byte("[]")
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO messages
		     (message_id, platform, message_type, content, sender_id, chat_id, chat_type, mentions, raw_content, create_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE id = id`,
		msg.MessageID, msg.Platform, msg.MessageType, content,
		msg.SenderID, msg.ChatID, msg.ChatType, mentions, msg.RawContent, msg.CreateTime,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	slog.Debug("message persisted",
		"platform", msg.Platform,
		"message_id", msg.MessageID,
	)
	return nil
}

// Exists checks if a message with the given platform ID already exists
func (r *MariaDBRepository) Exists(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE message_id = ? LIMIT 1`, messageID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check message exists: %w", err)
	}
	return true, nil
}

// ============================================================================
// Dashboard queries
// ============================================================================

// WebhookStat is one (platform, status) bucket of the audit log
type WebhookStat struct {
	Platform string `json:"platform"`
	Status   string `json:"status"`
	Count    int64  `json:"count"`
}

// CountWebhooks aggregates audit-log rows by platform and status
func (r *MariaDBRepository) CountWebhooks(ctx context.Context) ([]WebhookStat, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT platform, status, COUNT(*) FROM webhook_logs GROUP BY platform, status`)
	if err != nil {
		return nil, fmt.Errorf("count webhooks: %w", err)
	}
	defer rows.Close()

	var stats []WebhookStat
	for rows.Next() {
		var s WebhookStat
		if err := rows.Scan(&s.Platform, &s.Status, &s.Count); err != nil {
			return nil, fmt.Errorf("scan webhook stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// CountMessages returns total stored messages per platform
func (r *MariaDBRepository) CountMessages(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT platform, COUNT(*) FROM messages GROUP BY platform`)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var platform string
		var n int64
		if err := rows.Scan(&platform, &n); err != nil {
			return nil, fmt.Errorf("scan message count: %w", err)
		}
		counts[platform] = n
	}
	return counts, rows.Err()
}
