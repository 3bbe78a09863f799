package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})

	Component("cache").Debug("descriptor rebuilt", "table", 42)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "cache", rec["component"])
	assert.Equal(t, "descriptor rebuilt", rec["msg"])
	assert.EqualValues(t, 42, rec["table"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "error", Format: "text", Output: &buf})

	Get().Info("ignored")
	assert.Zero(t, buf.Len())

	Get().Error("kept")
	assert.Contains(t, buf.String(), "kept")
}
