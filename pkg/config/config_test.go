package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
openflow:
  listen: "127.0.0.1:6653"
poll:
  interval: 5s
mirror:
  port: 7
firewall:
  expiry:
    enabled: true
    min_bytes: 64
ids:
  filter: 'alert.category == "SCAN"'
nats:
  enabled: true
  subject: sdn
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6653", cfg.OpenFlow.Listen)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, uint32(7), cfg.Mirror.Port)
	assert.Equal(t, uint16(1), cfg.Mirror.Priority, "未设置的字段保留默认值")
	assert.True(t, cfg.Firewall.Expiry.Enabled)
	assert.Equal(t, uint64(64), cfg.Firewall.Expiry.MinBytes)
	assert.Equal(t, `alert.category == "SCAN"`, cfg.IDS.Filter)
	assert.Equal(t, 514, cfg.IDS.Port)
	assert.Equal(t, "sdn", cfg.NATS.Subject)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{
			name:   "默认配置合法",
			modify: func(c *Config) {},
		},
		{
			name:    "表顺序错误",
			modify:  func(c *Config) { c.Tables.Mirror = 5 },
			wantErr: true,
		},
		{
			name:    "轮询周期为0",
			modify:  func(c *Config) { c.Poll.Interval = 0 },
			wantErr: true,
		},
		{
			name:    "镜像端口为0",
			modify:  func(c *Config) { c.Mirror.Port = 0 },
			wantErr: true,
		},
		{
			name:    "IDS端口超出范围",
			modify:  func(c *Config) { c.IDS.Port = 70000 },
			wantErr: true,
		},
		{
			name:   "API关闭时不检查端口",
			modify: func(c *Config) { c.API.Port = 0 },
		},
		{
			name: "启用NATS但没有地址",
			modify: func(c *Config) {
				c.NATS.Enabled = true
				c.NATS.URL = ""
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeConfig(t, "poll: [not, a, map")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
