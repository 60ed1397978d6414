package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"DEVICE_URL":     "192.168.1.20",
		"DEVICE_API_KEY": "key",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "intg-manager.db", cfg.DBDSN)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 500*time.Millisecond, cfg.Device.SetupDelay)
	assert.Equal(t, 2, cfg.Jobs.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Jobs.CheckInterval)
	assert.Equal(t, "https://api.github.com", cfg.Registry.BaseURL)
	assert.Equal(t, "intgmgr/events", cfg.Events.MQTTPrefix)
	assert.Equal(t, 3, cfg.Backup.CaptureConcurrency)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing device", map[string]string{}, "DEVICE_URL"},
		{"missing credentials", map[string]string{"DEVICE_URL": "host"}, "DEVICE_API_KEY or DEVICE_PIN"},
		{"bad qos", map[string]string{"DEVICE_URL": "host", "DEVICE_PIN": "1234", "MQTT_QOS": "3"}, "MQTT_QOS"},
		{"half pushover", map[string]string{"DEVICE_URL": "host", "DEVICE_PIN": "1234", "NOTIFY_PUSHOVER_APP_TOKEN": "a"}, "PUSHOVER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWith(context.Background(), envconfig.MapLookuper(tt.env))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadParsesLists(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"DEVICE_URL":             "host",
		"DEVICE_PIN":             "1234",
		"CORS_ALLOWED_ORIGINS":   "http://a,http://b",
		"BACKUP_RECIPIENTS":      "age1one,age1two",
		"NOTIFY_WEBHOOK_HEADERS": "X-Token:abc,X-Env:prod",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"age1one", "age1two"}, cfg.Backup.Recipients)
	assert.Equal(t, map[string]string{"X-Token": "abc", "X-Env": "prod"}, cfg.Notify.WebhookHeaders)
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("DEVICE_URL=from-dotenv\nDEVICE_PIN=4321\n"), 0o600))
	t.Setenv("DEVICE_URL", "")
	t.Setenv("DEVICE_PIN", "")
	require.NoError(t, os.Unsetenv("DEVICE_URL"))
	require.NoError(t, os.Unsetenv("DEVICE_PIN"))

	cfg, err := Load(context.Background(), filepath.Join(dir, "missing.env"), path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Device.URL)
	assert.Equal(t, "4321", cfg.Device.PIN)
}
