package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-negotiation/internal/models"
)

func fromMap(m map[string]string) *viper.Viper {
	v := viper.New()
	for k, val := range m {
		v.Set(k, val)
	}
	return v
}

func TestServerDefaults(t *testing.T) {
	cfg, err := loadServerConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Minute, cfg.BiddingWindow)
	assert.Equal(t, models.RoleProvider, cfg.NegotiationOpener)
	assert.Equal(t, 10, cfg.FinalStagePercent)
	assert.Equal(t, 5000.0, cfg.ProximityRadiusM)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
}

func TestServerOverrides(t *testing.T) {
	cfg, err := loadServerConfig(fromMap(map[string]string{
		"BIDDING_WINDOW":      "45m",
		"NEGOTIATION_OPENER":  "consumer",
		"FINAL_STAGE_PERCENT": "15",
		"KAFKA_BROKERS":       "k1:9092, k2:9092,",
		"PG_MAX_CONNS":        "25",
		"LOG_LEVEL":           "DEBUG",
		"MIGRATE":             "TRUE",
	}))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, cfg.BiddingWindow)
	assert.Equal(t, models.RoleConsumer, cfg.NegotiationOpener)
	assert.Equal(t, 15, cfg.FinalStagePercent)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, int32(25), cfg.PGMaxConns)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RunMigrations)
}

func TestServerCollectsAllErrors(t *testing.T) {
	_, err := loadServerConfig(fromMap(map[string]string{
		"BIDDING_WINDOW":      "soon",
		"NEGOTIATION_OPENER":  "broker",
		"FINAL_STAGE_PERCENT": "0",
		"MATCHER_TOP_N":       "x",
	}))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "invalid BIDDING_WINDOW")
	assert.Contains(t, msg, "NEGOTIATION_OPENER")
	assert.Contains(t, msg, "FINAL_STAGE_PERCENT")
	assert.Contains(t, msg, "invalid MATCHER_TOP_N")
}

func TestDevSecretOnlyInDevEnv(t *testing.T) {
	cfg, err := loadServerConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, DevAuthSecret, cfg.WSAuthSecret)

	_, err = loadServerConfig(fromMap(map[string]string{"APP_ENV": "Production"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WS_AUTH_SECRET must be set when APP_ENV=production")

	_, err = loadServerConfig(fromMap(map[string]string{"APP_ENV": "staging", "WS_AUTH_SECRET": DevAuthSecret}))
	require.Error(t, err)

	cfg, err = loadServerConfig(fromMap(map[string]string{"APP_ENV": "production", "WS_AUTH_SECRET": "s3cr3t-rotated"}))
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-rotated", cfg.WSAuthSecret)
}

func TestAgentRequiresIdentity(t *testing.T) {
	_, err := loadAgentConfig(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENT_USER_ID")
	assert.Contains(t, err.Error(), "AGENT_TOKEN")

	cfg, err := loadAgentConfig(fromMap(map[string]string{
		"AGENT_USER_ID":         "p1",
		"AGENT_TOKEN":           "p1:provider:sig",
		"AGENT_REPORT_INTERVAL": "2s",
	}))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.ReportInterval)
	assert.Equal(t, 25.0, cfg.MinMoveM)
}

func TestConsumerDefaults(t *testing.T) {
	cfg, err := loadConsumerConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "provider-locations", cfg.LocationTopic)
}
