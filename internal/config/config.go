package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt"
)

const (
	DefaultListenAddr  = "localhost:8080"
	DefaultJoinTimeout = 10 * time.Second
)

type Config struct {
	BackendURL     string        `validate:"required,url"`
	APIKey         string        `validate:"required"`
	KeyRole        string        `validate:"required"`
	DatabaseDSN    string        `validate:"omitempty"`
	ListenAddr     string        `validate:"required"`
	AllowedOrigins []string      `validate:"dive,url"`
	JoinTimeout    time.Duration `validate:"gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// apiKeyClaims decodes the claims of the backend's API key. The key is
// verified by the backend; the client only checks that it is well formed,
// carries a role and has not expired.
func apiKeyClaims(apiKey string, now time.Time) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(apiKey, claims); err != nil {
		return nil, fmt.Errorf("parse api key: %w", err)
	}
	if !claims.VerifyExpiresAt(now.Unix(), false) {
		return nil, errors.New("api key has expired")
	}
	return claims, nil
}

func NewConfig(backendURL, apiKey, databaseDSN, listenAddr string, allowedOrigins []string) (*Config, error) {
	if backendURL == "" {
		return nil, fmt.Errorf("backend url cannot be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("api key cannot be empty")
	}
	if listenAddr == "" {
		listenAddr = DefaultListenAddr
	}

	claims, err := apiKeyClaims(apiKey, time.Now())
	if err != nil {
		return nil, err
	}
	role, _ := claims["role"].(string)

	cfg := &Config{
		BackendURL:     strings.TrimRight(backendURL, "/"),
		APIKey:         apiKey,
		KeyRole:        role,
		DatabaseDSN:    databaseDSN,
		ListenAddr:     listenAddr,
		AllowedOrigins: allowedOrigins,
		JoinTimeout:    DefaultJoinTimeout,
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// RealtimeURL returns the websocket endpoint of the backend's realtime
// service.
func (c *Config) RealtimeURL() string {
	u := c.BackendURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/realtime/v1/websocket"
}

// RestURL returns the base URL of the backend's query API.
func (c *Config) RestURL() string {
	return c.BackendURL + "/rest/v1"
}
