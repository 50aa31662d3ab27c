package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(&buf, "info", "json")
	require.NoError(t, err)

	l.Debugf("hidden %d", 1)
	l.Infof("delivered %d", 3)
	l.Warnf("slow endpoint %s", "http://a")
	l.Errorf("failed: %v", "boom")
	l.Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4, "debug is below the level")

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "info", first["level"])
	assert.Equal(t, "delivered 3", first["message"])
	assert.Equal(t, "cns", first["service"])
	assert.Contains(t, lines[2], `"level":"error"`)
}

func TestZerologLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(&buf, "debug", "console")
	require.NoError(t, err)

	l.Debugf("tick %d", 1)
	assert.Contains(t, buf.String(), "tick 1")
}

func TestZerologLogger_BadLevel(t *testing.T) {
	_, err := NewWithWriter(&bytes.Buffer{}, "loud", "json")
	assert.Error(t, err)
}
