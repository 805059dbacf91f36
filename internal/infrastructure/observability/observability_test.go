package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := InitLogger("warn", "json", &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("order_code", "123").Msg("visible")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "123", entry["order_code"])
	assert.Equal(t, "warn", entry["level"])
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLogLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel("nonsense"))
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := WithFields(InitLogger("info", "json", &buf), map[string]any{"gateway": "mock"})
	logger.Info().Msg("x")

	assert.Contains(t, buf.String(), `"gateway":"mock"`)
}

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("paylink", reg)

	m.SideEffectsTotal.WithLabelValues("notification", "success").Inc()
	m.OrderCodeCollisions.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SideEffectsTotal.WithLabelValues("notification", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OrderCodeCollisions))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// A second registration on the same registry must panic.
	assert.Panics(t, func() { NewMetrics("paylink", reg) })
}
