package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureWritesComponentFields(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "attend-test", Version: "1.2.3"})

	logger := WithComponent("ledger")
	logger.Info().Str(FieldChainKey, "p1/court").Msg("block appended")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "attend-test", entry[FieldService])
	assert.Equal(t, "1.2.3", entry[FieldVersion])
	assert.Equal(t, "ledger", entry[FieldComponent])
	assert.Equal(t, "p1/court", entry[FieldChainKey])
	assert.Equal(t, "block appended", entry["message"])
}

func TestConfigureHonorsLevel(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	var buf bytes.Buffer
	Configure(Config{Level: "warn", Output: &buf})
	logger := WithComponent("timeline")
	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
	logger.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
