package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Minute, cfg.Exchange.Interval)
	assert.Equal(t, 10, cfg.Exchange.UrgentPendingThreshold)
	assert.Equal(t, "127.0.0.1:7653", cfg.IPC.Addr)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outpostd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  exchange_url: https://fleet.example.com/exchange
  register_url: https://fleet.example.com/register
  ping_url: https://fleet.example.com/ping
registration:
  account_name: onboarding
  computer_title: Truck 7
exchange:
  interval: 5m
  urgent_interval: 15s
storage:
  dir: /tmp/outpostd
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://fleet.example.com/exchange", cfg.Server.ExchangeURL)
	assert.Equal(t, "onboarding", cfg.Registration.AccountName)
	assert.Equal(t, 5*time.Minute, cfg.Exchange.Interval)
	assert.Equal(t, 15*time.Second, cfg.Exchange.UrgentInterval)
	assert.Equal(t, 100, cfg.Exchange.MaxMessagesPerExchange, "unset fields keep defaults")
}

func TestValidation(t *testing.T) {
	cfg := Default()
	cfg.Exchange.UrgentInterval = time.Hour
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Dir = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Registration.ComputerTitle = "Truck 7"
	assert.Error(t, cfg.Validate())
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}
