package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Host:                "0.0.0.0",
		Port:                8080,
		HeartbeatInterval:   30 * time.Second,
		BatchWindow:         50 * time.Millisecond,
		AckTimeout:          5 * time.Second,
		AckMaxRetries:       3,
		AwarenessTimeout:    30 * time.Second,
		MaxConnections:      10000,
		MaxConnectionsPerIP: 50,
		MessageRate:         100,
		MessageBurst:        200,
		MaxMessageSize:      2_000_000,
		MaxDocuments:        1024,
		ShutdownTimeout:     10 * time.Second,
		LogLevel:            "info",
		LogFormat:           "json",
		AllowedOrigins:      "*",
	}
}

func TestValidate_Defaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero port", func(c *Config) { c.Port = 0 }, "PORT"},
		{"port too high", func(c *Config) { c.Port = 70000 }, "PORT"},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }, "MAX_CONNECTIONS"},
		{"zero per-ip cap", func(c *Config) { c.MaxConnectionsPerIP = 0 }, "MAX_CONNECTIONS_PER_IP"},
		{"burst below rate", func(c *Config) { c.MessageBurst = 10 }, "MESSAGE_BURST"},
		{"zero batch window", func(c *Config) { c.BatchWindow = 0 }, "BATCH_WINDOW"},
		{"zero ack timeout", func(c *Config) { c.AckTimeout = 0 }, "ACK_TIMEOUT"},
		{"auth without secret", func(c *Config) { c.RequireAuth = true }, "JWT_SECRET"},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, "JWT_SECRET"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_AuthWithSecret(t *testing.T) {
	cfg := validConfig()
	cfg.RequireAuth = true
	cfg.JWTSecret = "this-is-a-test-secret-that-is-at-least-32-chars"
	if err := cfg.Validate(); err != nil {
		t.Errorf("auth config rejected: %v", err)
	}
}

func TestListenAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 9000
	if got := cfg.ListenAddr(); got != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:9000", got)
	}
}

func TestOrigins(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"*", []string{"*"}},
		{"https://a.example, https://b.example", []string{"https://a.example", "https://b.example"}},
		{"https://a.example,,", []string{"https://a.example"}},
	}

	for _, tt := range tests {
		cfg := validConfig()
		cfg.AllowedOrigins = tt.raw
		got := cfg.Origins()
		if len(got) != len(tt.want) {
			t.Errorf("Origins(%q) = %v, want %v", tt.raw, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Origins(%q)[%d] = %q, want %q", tt.raw, i, got[i], tt.want[i])
			}
		}
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("MESSAGE_RATE", "10")
	t.Setenv("MESSAGE_BURST", "20")
	t.Setenv("BATCH_WINDOW", "25ms")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 9001 {
		t.Errorf("Port = %d, want 9001", cfg.Port)
	}
	if cfg.MessageRate != 10 || cfg.MessageBurst != 20 {
		t.Errorf("rate = %d burst = %d, want 10/20", cfg.MessageRate, cfg.MessageBurst)
	}
	if cfg.BatchWindow != 25*time.Millisecond {
		t.Errorf("BatchWindow = %s, want 25ms", cfg.BatchWindow)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval default = %s, want 30s", cfg.HeartbeatInterval)
	}
}
