package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/risk"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Minute, cfg.ProfileCacheTTL)

	vp := cfg.Verification()
	assert.Equal(t, 250.0, vp.GeofenceRadiusFeet)
	assert.Equal(t, 0.85, vp.BiometricThreshold)
	assert.Equal(t, 3, vp.RepeatedFailureLimit)

	oc := cfg.Order()
	assert.Equal(t, 28, oc.MaxDays)
	assert.Equal(t, time.UTC, oc.Location)

	assert.False(t, cfg.Expiry().Enabled)

	p, err := cfg.Risk()
	require.NoError(t, err)
	assert.Equal(t, risk.DefaultPolicy(), p)
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9000")
	t.Setenv("KAFKA_BROKERS", "rp-0:9092,rp-1:9092")
	t.Setenv("API_KEYS", "k1:intake-kiosk,k2:pharmacy")
	t.Setenv("GEOFENCE_RADIUS_FEET", "400")
	t.Setenv("CLINIC_TIMEZONE", "America/New_York")
	t.Setenv("EXPIRY_ENABLED", "true")
	t.Setenv("EXPIRY_GRACE", "6h")
	t.Setenv("REGULATOR_TIMEOUT", "3s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, []string{"rp-0:9092", "rp-1:9092"}, cfg.Producer().Brokers)
	assert.Equal(t, []string{"rp-0:9092", "rp-1:9092"}, cfg.Consumer().Brokers)

	clients, err := cfg.Clients()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "intake-kiosk", "k2": "pharmacy"}, clients)

	assert.Equal(t, 400.0, cfg.Verification().GeofenceRadiusFeet)
	assert.Equal(t, "America/New_York", cfg.Order().Location.String())
	assert.Equal(t, 6*time.Hour, cfg.Expiry().Grace)
	assert.True(t, cfg.Expiry().Enabled)
	assert.Equal(t, 3*time.Second, cfg.Channel().Timeout)
	assert.Equal(t, 8*time.Second, cfg.Relay().CallTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("CLINIC_TIMEZONE", "Mars/Olympus")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("CLINIC_TIMEZONE", "UTC")
	t.Setenv("API_KEYS", "no-client")
	_, err = Load("")
	require.Error(t, err)

	t.Setenv("API_KEYS", "")
	t.Setenv("ENV", "production")
	_, err = Load("")
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PORT=7070\nRATE_LIMIT_RPS=5\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 5.0, cfg.RateLimitRPS)
}

func TestRiskPolicyFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "risk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "2026.2"
lookback_days: 14
weights:
  location: 0.4
  time: 0.1
  biometric: 0.3
  returns: 0.2
`), 0o600))
	t.Setenv("RISK_POLICY_FILE", path)

	cfg, err := Load("")
	require.NoError(t, err)
	p, err := cfg.Risk()
	require.NoError(t, err)

	assert.Equal(t, "2026.2", p.Version)
	assert.Equal(t, 14, p.LookbackDays)
	assert.Equal(t, 0.4, p.Weights.Location)
	assert.Equal(t, 0.90, p.Thresholds.Low, "thresholds keep their defaults")
	assert.Equal(t, "reduce take-home days", p.Recommendations[takehome.SeverityHigh])

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("lookback_days: 0\n"), 0o600))
	t.Setenv("RISK_POLICY_FILE", bad)
	cfg, err = Load("")
	require.NoError(t, err)
	_, err = cfg.Risk()
	require.Error(t, err)
}
