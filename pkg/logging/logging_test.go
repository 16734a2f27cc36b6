package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreLogger(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestInitJSONLevel(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer
	require.NoError(t, InitWithWriter(Config{Level: "warn", Format: "json"}, &buf))

	log.Info().Msg("hidden")
	log.Warn().Str("conversation_id", "c1").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "c1", entry["conversation_id"])
}

func TestInitWritesLogFile(t *testing.T) {
	restoreLogger(t)
	path := filepath.Join(t.TempDir(), "confab.log")
	var buf bytes.Buffer
	require.NoError(t, InitWithWriter(Config{Level: "info", File: path}, &buf))

	log.Info().Msg("to the file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to the file")
}

func TestInitRejectsBadConfig(t *testing.T) {
	restoreLogger(t)
	assert.Error(t, InitWithWriter(Config{Level: "loud"}, &bytes.Buffer{}))
	assert.Error(t, InitWithWriter(Config{Format: "xml"}, &bytes.Buffer{}))
}

func TestConfigFromViperVerbose(t *testing.T) {
	v := viper.New()
	v.Set("log-level", "warn")
	v.Set("verbose", true)
	assert.Equal(t, "debug", ConfigFromViper(v).Level)

	v.Set("log-level", "trace")
	assert.Equal(t, "trace", ConfigFromViper(v).Level)
}

func TestTextOutputWithoutTerminalHasNoColors(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer
	require.NoError(t, InitWithWriter(Config{Level: "info", Format: "text"}, &buf))

	log.Info().Msg("plain")
	assert.Contains(t, buf.String(), "plain")
	assert.NotContains(t, buf.String(), "\x1b[")
	assert.False(t, isTerminal(&buf))
}
