// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
logging:
  level: debug
cache:
  backend: badger
  badger_path: /tmp/ng-cache
  ttl: 90s
effects:
  rate_limit: 2.5
  burst: 3
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "auto", cfg.Logging.Format)
	assert.Equal(t, "badger", cfg.Cache.Backend)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 1024, cfg.Cache.MaxEntries)
	assert.Equal(t, 2.5, cfg.Effects.RateLimit)
	assert.Equal(t, 3, cfg.Effects.Burst)
	assert.Equal(t, "nodegraph", cfg.Telemetry.ServiceName)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown backend", "cache:\n  backend: redis\n", "cache.backend"},
		{"badger without path", "cache:\n  backend: badger\n", "cache.badger_path"},
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"otlp without endpoint", "telemetry:\n  traces: otlp\n", "telemetry.otlp_endpoint"},
		{"prometheus without addr", "telemetry:\n  metrics: prometheus\n", "telemetry.metrics_addr"},
		{"negative rate", "effects:\n  rate_limit: -1\n", "effects.rate_limit"},
		{"unknown key", "cache:\n  size: 3\n", "size"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "conf", "nodegraph.yaml")
	require.NoError(t, WriteDefault(path))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  backend: none\n"), 0o644))
	require.NoError(t, WriteDefault(path), "existing file is kept")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Cache.Backend)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
