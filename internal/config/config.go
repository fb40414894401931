// Package config provides environment-based configuration management
package config

import (
	"fmt"
	"os"
	"strconv"
)

// DBConfig holds database connection parameters
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// RedisConfig holds Redis connection parameters
type RedisConfig struct {
	Addr string // Format: host:port
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Port       int
	MeshSecret string // Guards the dashboard log stream
}

// FeishuConfig holds Feishu app credentials and callback secrets.
// A platform section left entirely empty disables that platform.
type FeishuConfig struct {
	AppID             string
	AppSecret         string
	EncryptKey        string // Empty key skips signature verification
	VerificationToken string
}

// Enabled reports whether any Feishu credential is configured
func (c *FeishuConfig) Enabled() bool {
	return c.AppID != "" || c.AppSecret != ""
}

// WeComConfig holds WeChat Work app credentials and callback secrets
type WeComConfig struct {
	CorpID         string
	CorpSecret     string
	AgentID        int
	Token          string
	EncodingAESKey string
}

// Enabled reports whether any WeCom credential is configured
func (c *WeComConfig) Enabled() bool {
	return c.CorpID != "" || c.CorpSecret != ""
}

// Config aggregates all configuration sections
type Config struct {
	DB     DBConfig
	Redis  RedisConfig
	App    AppConfig
	Feishu FeishuConfig
	WeCom  WeComConfig
}

// LoadConfig reads configuration from environment variables.
// Missing credentials for an enabled platform fail fast at startup rather
// than at the first webhook.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// Database Configuration
	cfg.DB.Host = getEnv("DB_HOST", "botbridge_db")
	cfg.DB.Port = getEnvAsInt("DB_PORT", 3306)
	cfg.DB.User = getEnv("DB_USER", "root")
	cfg.DB.Password = getEnv("DB_PASS", "")
	cfg.DB.Database = getEnv("DB_NAME", "botbridge")

	if cfg.DB.Password == "" {
		return nil, fmt.Errorf("DB_PASS environment variable is required")
	}

	// Redis Configuration
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "botbridge_redis:6379")

	// Application Configuration
	cfg.App.Port = getEnvAsInt("APP_PORT", 8080)
	cfg.App.MeshSecret = getEnv("MESH_SECRET", "")

	// Feishu Configuration
	cfg.Feishu.AppID = getEnv("FEISHU_APP_ID", "")
	cfg.Feishu.AppSecret = getEnv("FEISHU_APP_SECRET", "")
	cfg.Feishu.EncryptKey = getEnv("FEISHU_ENCRYPT_KEY", "")
	cfg.Feishu.VerificationToken = getEnv("FEISHU_VERIFICATION_TOKEN", "")

	if cfg.Feishu.Enabled() {
		if cfg.Feishu.AppID == "" {
			return nil, fmt.Errorf("FEISHU_APP_ID environment variable is required")
		}
		if cfg.Feishu.AppSecret == "" {
			return nil, fmt.Errorf("FEISHU_APP_SECRET environment variable is required")
		}
	}

	// WeCom Configuration
	cfg.WeCom.CorpID = getEnv("WECOM_CORP_ID", "")
	cfg.WeCom.CorpSecret = getEnv("WECOM_CORP_SECRET", "")
	cfg.WeCom.AgentID = getEnvAsInt("WECOM_AGENT_ID", 0)
	cfg.WeCom.Token = getEnv("WECOM_TOKEN", "")
	cfg.WeCom.EncodingAESKey = getEnv("WECOM_ENCODING_AES_KEY", "")

	if cfg.WeCom.Enabled() {
		if cfg.WeCom.CorpID == "" {
			return nil, fmt.Errorf("WECOM_CORP_ID environment variable is required")
		}
		if cfg.WeCom.CorpSecret == "" {
			return nil, fmt.Errorf("WECOM_CORP_SECRET environment variable is required")
		}
		if cfg.WeCom.Token == "" {
			return nil, fmt.Errorf("WECOM_TOKEN environment variable is required")
		}
		if len(cfg.WeCom.EncodingAESKey) != 43 {
			return nil, fmt.Errorf("WECOM_ENCODING_AES_KEY must be 43 characters")
		}
	}

	if !cfg.Feishu.Enabled() && !cfg.WeCom.Enabled() {
		return nil, fmt.Errorf("at least one platform must be configured")
	}

	return cfg, nil
}

// GetDSN returns MariaDB connection string
func (c *DBConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

// getEnv reads environment variable with fallback default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads environment variable as integer with fallback default
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
