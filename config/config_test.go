package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-reqresp/protocol"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	ec := cfg.EngineConfig()
	assert.Equal(t, protocol.DefaultID, ec.ProtocolID)
	assert.Equal(t, 10*time.Second, ec.RequestTimeout)
	assert.Equal(t, protocol.DefaultMaxFrameSize, ec.MaxFrameSize)

	hc := cfg.HostConfig(nil)
	assert.Equal(t, []string{DefaultListenAddr}, hc.ListenAddrs)
	assert.Equal(t, 60*time.Second, hc.IdleConnTimeout)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"protocol_id": "/time/reqrep/1.0.0",
		"request_timeout": "2s",
		"idle_conn_timeout": "90s",
		"listen_addrs": ["/ip4/127.0.0.1/tcp/4001"],
		"service": "time",
		"max_concurrent_requests": 4,
		"rate_limit": 100,
		"etcd_endpoints": ["127.0.0.1:2379"],
		"log": {"level": "debug", "format": "json"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/time/reqrep/1.0.0", cfg.ProtocolID)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout.Duration)
	assert.Equal(t, 90*time.Second, cfg.IdleConnTimeout.Duration)
	assert.Equal(t, "time", cfg.Service)
	assert.Equal(t, 1, cfg.RateBurst)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched fields keep their defaults
	assert.Equal(t, protocol.DefaultMaxFrameSize, cfg.MaxFrameSize)
	assert.Equal(t, int64(DefaultRegistryTTL), cfg.RegistryTTL)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)

	svc, err := cfg.BuildService()
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"nope": 1}`},
		{"bad duration", `{"request_timeout": "soon"}`},
		{"bad protocol", `{"protocol_id": "reqresp"}`},
		{"bad listen addr", `{"listen_addrs": ["127.0.0.1:4001"]}`},
		{"unknown service", `{"service": "mystery"}`},
		{"negative limit", `{"max_concurrent_requests": -1}`},
		{"malformed", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestDurationJSON(t *testing.T) {
	raw, err := json.Marshal(Duration{1500 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(raw))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"250ms"`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Duration)
	require.NoError(t, json.Unmarshal([]byte(`1000`), &d))
	assert.Equal(t, time.Microsecond, d.Duration)
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}
