package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_PASS", "secret")
	t.Setenv("FEISHU_APP_ID", "cli_test")
	t.Setenv("FEISHU_APP_SECRET", "shhh")
}

func TestLoadConfigDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3306, cfg.DB.Port)
	assert.Equal(t, 8080, cfg.App.Port)
	assert.True(t, cfg.Feishu.Enabled())
	assert.False(t, cfg.WeCom.Enabled())
}

func TestLoadConfigRequiresDBPassword(t *testing.T) {
	t.Setenv("DB_PASS", "")
	t.Setenv("FEISHU_APP_ID", "cli_test")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PASS")
}

func TestLoadConfigRequiresOnePlatform(t *testing.T) {
	t.Setenv("DB_PASS", "secret")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one platform")
}

func TestLoadConfigPartialFeishuFails(t *testing.T) {
	t.Setenv("DB_PASS", "secret")
	t.Setenv("FEISHU_APP_ID", "cli_test")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FEISHU_APP_SECRET")
}

func TestLoadConfigWeComValidation(t *testing.T) {
	t.Setenv("DB_PASS", "secret")
	t.Setenv("WECOM_CORP_ID", "ww123")
	t.Setenv("WECOM_CORP_SECRET", "s3cret")
	t.Setenv("WECOM_TOKEN", "tok")
	t.Setenv("WECOM_ENCODING_AES_KEY", "too-short")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "43 characters")

	t.Setenv("WECOM_ENCODING_AES_KEY", "jWmYm7qr5nMoAUwZRjGtBxmz3KA1tkAj3ykkR6q2B2C")
	t.Setenv("WECOM_AGENT_ID", "1000002")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 1000002, cfg.WeCom.AgentID)
	assert.True(t, cfg.WeCom.Enabled())
}

func TestGetDSN(t *testing.T) {
	db := DBConfig{Host: "db", Port: 3306, User: "root", Password: "pw", Database: "botbridge"}
	assert.Equal(t, "root:pw@tcp(db:3306)/botbridge?parseTime=true", db.GetDSN())
}
