package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter(&buf, "warn", "json")
	require.NoError(t, err)

	log.Info().Msg("dropped")
	log.Warn().Str("component", "quota").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "quota", line["component"])
	assert.Equal(t, "warn", line["level"])
}

func TestNewWriter_EmptyLevelMeansInfo(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter(&buf, "", "console")
	require.NoError(t, err)
	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	log.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewWriter_Rejects(t *testing.T) {
	_, err := NewWriter(&bytes.Buffer{}, "loud", "json")
	assert.Error(t, err)
	_, err = NewWriter(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}
