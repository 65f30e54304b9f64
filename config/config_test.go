package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BEACON_NAMESPACE", "")
	t.Setenv("ATTENDANCE_DUPLICATE_WINDOW", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "f7826da6-4fa2-4e98-8024-bc5b71e0893e", cfg.Beacon.Namespace.String())
	assert.Equal(t, 30*time.Second, cfg.Beacon.DuplicateWindow)
	assert.Equal(t, 15*time.Second, cfg.Beacon.RefreshInterval)
}

func TestLoadRejectsBadNamespace(t *testing.T) {
	t.Setenv("BEACON_NAMESPACE", "not-a-uuid")
	_, err := Load()
	assert.Error(t, err)
}

func TestGetEnvDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"":      time.Minute,
		"45s":   45 * time.Second,
		"90":    90 * time.Second,
		"-5s":   time.Minute,
		"bogus": time.Minute,
	}
	for in, want := range cases {
		t.Setenv("TEST_DURATION", in)
		assert.Equal(t, want, getEnvDuration("TEST_DURATION", time.Minute), in)
	}
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "proximity", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/proximity?sslmode=disable", c.DSN())
	c.URL = "postgres://elsewhere/x"
	assert.Equal(t, "postgres://elsewhere/x", c.DSN())
}
