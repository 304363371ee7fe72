// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rpcpeer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require := require.New(t)

	cfg := Default()
	require.NoError(cfg.Validate())
	require.Equal("127.0.0.1:9650", cfg.Listen)
	require.Equal("tcp", cfg.Transport)
	require.Equal([]string{"stderr"}, cfg.Log.Outputs)
	require.False(cfg.Metrics.Enable)
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
listen: 0.0.0.0:7000
transport: GRPC
log:
  level: debug
  format: json
  rotation:
    enable: true
    max_backups: 9
metrics:
  enable: true
`)
	cfg, err := Load(path)
	require.NoError(err)
	require.Equal("0.0.0.0:7000", cfg.Listen)
	require.Equal("grpc", cfg.Transport)
	require.Equal("debug", cfg.Log.Level)
	require.Equal("json", cfg.Log.Format)
	require.True(cfg.Log.Rotation.Enable)
	require.Equal(9, cfg.Log.Rotation.MaxBackups)
	require.Equal(50, cfg.Log.Rotation.MaxSizeMB)
	require.True(cfg.Metrics.Enable)
	require.Equal("127.0.0.1:9651", cfg.Metrics.Listen)
}

func TestLoadEnvOverrides(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, "transport: tcp\n")
	t.Setenv("RPCPEER_TRANSPORT", "ws")
	t.Setenv("RPCPEER_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(err)
	require.Equal("ws", cfg.Transport)
	require.Equal("warn", cfg.Log.Level)
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	path := writeConfig(t, "listen: 10.0.0.1:1\n")
	t.Setenv("RPCPEER_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:1", cfg.Listen)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown transport",
			body: "transport: quic\n",
			want: "invalid transport",
		},
		{
			name: "bad level",
			body: "log:\n  level: loud\n",
			want: "invalid log.level",
		},
		{
			name: "empty listen",
			body: "listen: \" \"\n",
			want: "listen address is required",
		},
		{
			name: "metrics without address",
			body: "metrics:\n  enable: true\n  listen: \"\"\n",
			want: "metrics.listen is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.ErrorContains(t, err, tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}
