package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg := Load()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 5*time.Second, cfg.TickInterval)
	require.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 5*time.Second, cfg.HTTPReadTimeout)
	require.Equal(t, 10*time.Second, cfg.HTTPWriteTimeout)
	require.Equal(t, time.Minute, cfg.HTTPIdleTimeout)
}

func TestHTTPTimeoutOverrides(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "2s")
	t.Setenv("HTTP_WRITE_TIMEOUT", "30s")

	cfg := Load()
	require.Equal(t, 2*time.Second, cfg.HTTPReadTimeout)
	require.Equal(t, 30*time.Second, cfg.HTTPWriteTimeout)
	require.Equal(t, time.Minute, cfg.HTTPIdleTimeout)
}

func TestZoneOverrides(t *testing.T) {
	t.Setenv("ZONE_RATES", "0,1,2,4,8")
	t.Setenv("ZONE_BOUNDS", "0,90")

	cfg := Load()
	table := cfg.Zones()
	require.Len(t, table, 5)
	require.Equal(t, 8.0, table[4].CoinRate)
	require.Equal(t, 90.0, table[1].MinHeartRate)
	// Unset positions keep their defaults.
	require.Equal(t, 120.0, table[2].MinHeartRate)
}

func TestValidateRejectsShortAutosave(t *testing.T) {
	cfg := Load()
	cfg.AutosaveInterval = cfg.TickInterval / 2
	require.Error(t, cfg.Validate())
}
