package logging

import (
	"bytes"
	"encoding/json"
	stdLog "log"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	require.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}

func TestConfigureWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	ConfigureWriter(&buf, "info", "json")
	t.Cleanup(func() { ConfigureWriter(&bytes.Buffer{}, "error", "json") })

	log.Info().Str("component", "worker").Str("queue", "content").Msg("job completed")

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	require.Equal(t, "worker", event["component"])
	require.Equal(t, "content", event["queue"])
	require.Equal(t, "job completed", event["message"])

	buf.Reset()
	log.Debug().Msg("hidden")
	require.Zero(t, buf.Len())
}

func TestStdLogRedirected(t *testing.T) {
	var buf bytes.Buffer
	ConfigureWriter(&buf, "info", "json")
	t.Cleanup(func() { ConfigureWriter(&bytes.Buffer{}, "error", "json") })

	stdLog.Print("http: TLS handshake error")

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	require.Equal(t, "stdlog", event["component"])
	require.Equal(t, "http: TLS handshake error", event["message"])
}
