package extension

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/store/memory"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{BaseCurrency: "eur"})

	assert.Equal(t, "eur", cfg.BaseCurrency)
	assert.Equal(t, VerifierHMAC, cfg.WebhookVerifier)
	assert.Equal(t, 5*time.Minute, cfg.WebhookTolerance)
	assert.Equal(t, []int{3, 7, 14, 21}, cfg.DunningScheduleDays)
	assert.Equal(t, time.Hour, cfg.DunningInterval)
	assert.Equal(t, "tally", cfg.MetricsNamespace)
}

func TestMergeConfigurations(t *testing.T) {
	yaml := Config{
		BaseCurrency:    "gbp",
		DunningInterval: 10 * time.Minute,
	}
	programmatic := Config{
		DisableMigrate:  true,
		BaseCurrency:    "usd",
		WebhookSecret:   "whsec_programmatic",
		DunningInterval: time.Minute,
		ChurnWindow:     30 * 24 * time.Hour,
	}

	cfg := mergeConfigurations(yaml, programmatic)
	assert.True(t, cfg.DisableMigrate)
	assert.Equal(t, "gbp", cfg.BaseCurrency)
	assert.Equal(t, "whsec_programmatic", cfg.WebhookSecret)
	assert.Equal(t, 10*time.Minute, cfg.DunningInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.ChurnWindow)
	assert.Equal(t, 5*time.Second, cfg.IngestTimeout)
}

func TestBuildStore(t *testing.T) {
	explicit := memory.New()
	s, err := buildStore(explicit, nil, DriverPostgres)
	require.NoError(t, err)
	assert.Same(t, explicit, s)

	s, err = buildStore(nil, nil, "")
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, s)

	_, err = buildStore(nil, nil, DriverMongo)
	assert.Error(t, err)
}

func TestBuildEngineOpts(t *testing.T) {
	mr := miniredis.RunT(t)

	e := New(
		WithConfig(mergeWithDefaults(Config{
			WebhookSecret:   "whsec_test",
			RedisAddr:       mr.Addr(),
			DunningInterval: -1,
		})),
		WithPrometheus(prometheus.NewRegistry()),
	)
	opts, err := e.buildEngineOpts()
	require.NoError(t, err)
	require.NotNil(t, e.redis)
	assert.True(t, e.ownsRedis)

	engine := tally.New(memory.New(), opts...)
	require.NoError(t, engine.Start(context.Background()))
	require.NoError(t, engine.Stop())
	require.NoError(t, e.redis.Close())

	// Webhook ingestion is enabled by the secret.
	_, err = engine.Ingest(context.Background(), []byte(`{}`), "bad")
	assert.ErrorIs(t, err, tally.ErrVerificationFailed)
}

func TestBuildEngineOptsRejectsUnknownVerifier(t *testing.T) {
	e := New(WithConfig(Config{WebhookSecret: "s", WebhookVerifier: "md5"}))
	_, err := e.buildEngineOpts()
	assert.Error(t, err)
}
