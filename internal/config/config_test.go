package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  public_url: https://revshare.example.com\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, "https://revshare.example.com", cfg.Server.PublicURL)
	assert.Equal(t, DefaultIntentTTL, cfg.Intents.TTL)
	assert.Equal(t, DefaultPlanTTL, cfg.Plans.TTL)
	assert.Equal(t, DefaultClaimTTL, cfg.Claims.TTL)
	assert.Equal(t, DefaultJanitorInterval, cfg.Janitor.Interval)
	assert.Equal(t, float64(DefaultRateLimitRPS), cfg.RateLimit.RPS)
	assert.Equal(t, DefaultRateLimitBurst, cfg.RateLimit.Burst)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "store", cfg.Counter.Type)
}

func TestParse_Full(t *testing.T) {
	data := `
server:
  addr: 127.0.0.1:9000
intents:
  ttl: 5m
plans:
  ttl: 2h
store:
  type: sqlite
  path: /tmp/revclaw.db
counter:
  type: redis
  addr: localhost:6379
guardrails:
  - name: cap-rev-share
    kinds: [publish_project]
    expr: payload.rev_share_bps <= 5000
    message: rev share above 50% needs manual review
`
	cfg, err := Parse([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Intents.TTL)
	assert.Equal(t, 2*time.Hour, cfg.Plans.TTL)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "/tmp/revclaw.db", cfg.Store.Config["path"])
	assert.Equal(t, "redis", cfg.Counter.Type)
	assert.Equal(t, "localhost:6379", cfg.Counter.Config["addr"])

	require.Len(t, cfg.Guardrails, 1)
	g := cfg.Guardrails[0]
	assert.Equal(t, "cap-rev-share", g.Name)
	assert.Equal(t, []core.ActionKind{core.ActionPublishProject}, g.Kinds)
	assert.NotNil(t, g.CompiledExpr)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"negative ttl", "intents:\n  ttl: -1m\n", "ttl values must not be negative"},
		{"bcrypt cost", "secrets:\n  bcrypt_cost: 2\n", "bcrypt_cost"},
		{"rate limit", "rate_limit:\n  burst: -3\n", "rate_limit"},
		{"store type", "store:\n  type: mongo\n", "unknown store type"},
		{"counter type", "counter:\n  type: memcached\n", "unknown counter type"},
		{"guardrail name", "guardrails:\n  - expr: \"true\"\n", "missing name"},
		{"guardrail duplicate", "guardrails:\n  - name: a\n    expr: \"true\"\n  - name: a\n    expr: \"true\"\n", "not unique"},
		{"guardrail kind", "guardrails:\n  - name: a\n    kinds: [delete_account]\n    expr: \"true\"\n", "unknown kind"},
		{"guardrail expr", "guardrails:\n  - name: a\n    expr: \"1 +\"\n", "compiling expr"},
		{"guardrail not bool", "guardrails:\n  - name: a\n    expr: \"1 + 1\"\n", "compiling expr"},
		{"malformed yaml", "server: [", "parsing config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revclaw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("janitor:\n  interval: 30s\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Janitor.Interval)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestRequireSigningKey(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.RequireSigningKey())

	cfg.Session.SigningKey = strings.Repeat("k", 32)
	assert.NoError(t, cfg.RequireSigningKey())
}
