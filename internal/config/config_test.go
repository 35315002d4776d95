package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x:x@localhost:5432/x")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.SafetyWindow)
	assert.Equal(t, 24*time.Hour, cfg.ProactiveRefreshWindow)
	assert.Equal(t, 36*time.Hour, cfg.CatchUpThreshold)
	assert.Equal(t, 30*24*time.Hour, cfg.CatchUpWindow)
	assert.Equal(t, 300*time.Second, cfg.WebhookReplayWindow)
	assert.False(t, cfg.AllowInsecureSignatures)
	assert.Equal(t, 0.85, cfg.SimilarityThreshold)
	assert.Equal(t, 50, cfg.TopicBatchSize)
	assert.Equal(t, 85, cfg.AutoApproveThresholdDefault)
	assert.Equal(t, 80, cfg.HighConfidenceThreshold)
	assert.Equal(t, 50, cfg.MediumConfidenceThreshold)
	assert.Equal(t, 0.2, cfg.ApprovalHistoryWeight)
	assert.Equal(t, 0.3, cfg.LowContextPenalty)
	assert.Equal(t, 30*time.Second, cfg.RESTTimeout)
	assert.Equal(t, 10*time.Second, cfg.OAuthTimeout)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x:x@localhost:5432/x")
	t.Setenv("TSUNAGI_SIMILARITY_THRESHOLD", "1.5")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("TSUNAGI_SIMILARITY_THRESHOLD", "0.9")
	t.Setenv("TSUNAGI_CONFIDENCE_MEDIUM", "90")
	_, err = Load()
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x:x@localhost:5432/x")
	t.Setenv("TSUNAGI_CATCH_UP_THRESHOLD", "12h")
	t.Setenv("TSUNAGI_TOPIC_BATCH_SIZE", "10")
	t.Setenv("TSUNAGI_ALLOW_INSECURE_SIGNATURES", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, cfg.CatchUpThreshold)
	assert.Equal(t, 10, cfg.TopicBatchSize)
	assert.True(t, cfg.AllowInsecureSignatures)
}
