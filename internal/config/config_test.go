package config

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
)

func signKey(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign test key: %v", err)
	}
	return tok
}

func TestNewConfig(t *testing.T) {
	var (
		backend = "https://example.supabase.co"
		key     = signKey(t, jwt.MapClaims{"role": "anon", "exp": time.Now().Add(time.Hour).Unix()})
		dsn     = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
		orig    = []string{"http://localhost:3000"}
	)

	tcases := []struct {
		name    string
		backend string
		key     string
		dsn     string
		addr    string
		orig    []string
		err     bool
	}{
		{
			name:    "valid config",
			backend: backend,
			key:     key,
			dsn:     dsn,
			addr:    "localhost:9000",
			orig:    orig,
			err:     false,
		},
		{
			name:    "no dsn and default addr",
			backend: backend,
			key:     key,
			err:     false,
		},
		{
			name:    "empty backend url",
			backend: "",
			key:     key,
			err:     true,
		},
		{
			name:    "backend url not a url",
			backend: "not a url",
			key:     key,
			err:     true,
		},
		{
			name:    "empty api key",
			backend: backend,
			key:     "",
			err:     true,
		},
		{
			name:    "malformed api key",
			backend: backend,
			key:     "not-a-jwt",
			err:     true,
		},
		{
			name:    "expired api key",
			backend: backend,
			key:     signKey(t, jwt.MapClaims{"role": "anon", "exp": time.Now().Add(-time.Hour).Unix()}),
			err:     true,
		},
		{
			name:    "api key without role",
			backend: backend,
			key:     signKey(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}),
			err:     true,
		},
		{
			name:    "invalid origin",
			backend: backend,
			key:     key,
			orig:    []string{"::"},
			err:     true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			config, err := NewConfig(tc.backend, tc.key, tc.dsn, tc.addr, tc.orig)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, tc.backend, config.BackendURL, "expected backend url to match")
			assert.Equal(t, tc.dsn, config.DatabaseDSN, "expected database DSN to match")
			assert.Equal(t, tc.orig, config.AllowedOrigins, "expected allowed origins to match")
			assert.Equal(t, "anon", config.KeyRole, "expected key role to be decoded")
			if tc.addr == "" {
				assert.Equal(t, DefaultListenAddr, config.ListenAddr, "expected default listen address")
			} else {
				assert.Equal(t, tc.addr, config.ListenAddr, "expected listen address to match")
			}
		})
	}
}

func TestConfigURLs(t *testing.T) {
	tcases := []struct {
		backend  string
		realtime string
		rest     string
	}{
		{backend: "https://abc.supabase.co", realtime: "wss://abc.supabase.co/realtime/v1/websocket", rest: "https://abc.supabase.co/rest/v1"},
		{backend: "http://localhost:54321/", realtime: "ws://localhost:54321/realtime/v1/websocket", rest: "http://localhost:54321/rest/v1"},
	}

	key := signKey(t, jwt.MapClaims{"role": "anon"})
	for _, tc := range tcases {
		t.Run(tc.backend, func(t *testing.T) {
			cfg, err := NewConfig(tc.backend, key, "", "", nil)
			assert.NoError(t, err)
			assert.Equal(t, tc.realtime, cfg.RealtimeURL())
			assert.Equal(t, tc.rest, cfg.RestURL())
		})
	}
}
