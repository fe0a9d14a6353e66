package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKVsRedactsSecrets(t *testing.T) {
	out := sanitizeKVs([]interface{}{"event_id", "ev1", "db_password", "hunter2", "AWS_SECRET", "x", "dangling"})
	require.Len(t, out, 7)
	assert.Equal(t, "ev1", out[1])
	assert.Equal(t, "[REDACTED]", out[3])
	assert.Equal(t, "[REDACTED]", out[5])
	assert.Equal(t, "dangling", out[6])
}

func TestNewModes(t *testing.T) {
	for _, mode := range []string{"development", "production", ""} {
		log, err := New(mode)
		require.NoError(t, err, mode)
		log.With("component", "test").Debug("hello", "k", 1)
	}
	NewNop().Info("discarded")
}
