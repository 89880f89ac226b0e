package main

import "time"

// Config holds server configuration loaded from environment variables.
type Config struct {
	Port          int    `envconfig:"PORT" default:"8080"`
	BaseURL       string `envconfig:"BASE_URL" required:"true"`
	SigningSecret string `envconfig:"SIGNING_SECRET" required:"true"`

	// Storage backend selection. The default keeps everything in memory.
	StorageType     string `envconfig:"STORAGE_TYPE" default:"memory"`
	StorageFilePath string `envconfig:"STORAGE_FILE_PATH"`
	DatabaseURL     string `envconfig:"DATABASE_URL"`
	RedisURL        string `envconfig:"REDIS_URL"`

	// Upstream provider OAuth application.
	UpstreamClientID              string   `envconfig:"UPSTREAM_CLIENT_ID" required:"true"`
	UpstreamClientSecret          string   `envconfig:"UPSTREAM_CLIENT_SECRET"`
	UpstreamAuthorizationEndpoint string   `envconfig:"UPSTREAM_AUTHORIZATION_ENDPOINT" required:"true"`
	UpstreamTokenEndpoint         string   `envconfig:"UPSTREAM_TOKEN_ENDPOINT" required:"true"`
	UpstreamUserInfoEndpoint      string   `envconfig:"UPSTREAM_USERINFO_ENDPOINT" required:"true"`
	UpstreamScopes                []string `envconfig:"UPSTREAM_SCOPES" default:"read,write"`

	AccessTokenTTL time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"1h"`
	CodeExpiry     time.Duration `envconfig:"CODE_EXPIRY" default:"15m"`
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`

	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
}
