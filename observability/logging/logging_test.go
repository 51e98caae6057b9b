package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("swapd", "test", WithWriter(&buf), WithLevel("debug"))
	logger.Debug("hello", "api_key", "deadbeef", "reason", "ok", "jwtSecret", "")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "swapd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, RedactedValue, line["api_key"])
	require.Equal(t, "ok", line["reason"])
	require.Equal(t, "", line["jwtSecret"])
}

func TestSetupWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swapd.log")
	var buf bytes.Buffer
	logger := Setup("swapd", "", WithWriter(&buf), WithFile(FileConfig{Path: path, MaxSizeMB: 1}))
	logger.Info("to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "to file")
	require.Contains(t, buf.String(), "to file")
}

func TestIsSensitive(t *testing.T) {
	for _, key := range []string{"api_key", "apiKey", "ADMIN_TOKEN", "keystore_secret", "Authorization", "private-key"} {
		require.True(t, IsSensitive(key), key)
	}
	for _, key := range []string{"ref", "requester", "asset", "leg", "txid"} {
		require.False(t, IsSensitive(key), key)
	}
}
