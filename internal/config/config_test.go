package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 60*time.Second, cfg.OfferTimeout)
	assert.Equal(t, "partners_geo", cfg.RedisGeoKey)
	assert.Empty(t, cfg.KafkaBrokers)

	ec := cfg.EngineConfig()
	assert.Equal(t, cfg.OfferTimeout, ec.OfferTimeout)
	assert.Equal(t, cfg.MatcherTopN, ec.MatcherTopN)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("OFFER_TIMEOUT", "30s")
	t.Setenv("SEARCH_RADIUS_KM", "2.5")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.OfferTimeout)
	assert.Equal(t, 2.5, cfg.SearchRadiusKm)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("OFFER_TIMEOUT", "soon")
	t.Setenv("MATCHER_TOP_N", "0")
	t.Setenv("SWEEP_INTERVAL", "2m")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid OFFER_TIMEOUT")
	assert.Contains(t, err.Error(), "MATCHER_TOP_N must be > 0")
	assert.Contains(t, err.Error(), "must not exceed OFFER_TIMEOUT")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_GROUP_ID", "geo-writer")
	t.Setenv("CONSUMER_MAX_RETRIES", "-1")

	cfg, err := LoadConsumerConfig()
	require.Error(t, err)
	assert.Equal(t, "geo-writer", cfg.KafkaGroupID)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("REDIS_GEO_KEY=from_file\nHTTP_ADDR=:1111\n"), 0o600))
	t.Setenv("HTTP_ADDR", ":2222")
	// registers cleanup, then unset so the file value applies
	t.Setenv("REDIS_GEO_KEY", "")
	require.NoError(t, os.Unsetenv("REDIS_GEO_KEY"))

	require.NoError(t, LoadDotEnv(path))
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "from_file", cfg.RedisGeoKey)
	assert.Equal(t, ":2222", cfg.HTTPAddr, "existing variables win")
}
