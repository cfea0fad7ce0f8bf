package authstate

import (
	"testing"
	"time"
)

func TestConfigDefaultsValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{
			name: "refresh window zero",
			mutate: func(c *Config) {
				c.Session.RefreshWindow = 0
			},
			wantValid: false,
		},
		{
			name: "startup timeout zero",
			mutate: func(c *Config) {
				c.Session.StartupValidateTimeout = 0
			},
			wantValid: false,
		},
		{
			name: "refresh interval not above window",
			mutate: func(c *Config) {
				c.Refresh.Interval = c.Session.RefreshWindow
			},
			wantValid: false,
		},
		{
			name: "local enabled without ttl",
			mutate: func(c *Config) {
				c.Local.Enabled = true
				c.Local.TTL = 0
			},
			wantValid: false,
		},
		{
			name: "local enabled with ttl",
			mutate: func(c *Config) {
				c.Local.Enabled = true
				c.Local.TTL = time.Hour
			},
			wantValid: true,
		},
		{
			name: "signout timeout zero",
			mutate: func(c *Config) {
				c.SignOut.Timeout = 0
			},
			wantValid: false,
		},
		{
			name: "empty store prefix",
			mutate: func(c *Config) {
				c.Store.RedisPrefix = ""
			},
			wantValid: false,
		},
		{
			name: "tight but ordered windows",
			mutate: func(c *Config) {
				c.Session.RefreshWindow = time.Minute
				c.Refresh.Interval = 2 * time.Minute
			},
			wantValid: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantValid && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tc.wantValid && err == nil {
				t.Fatal("expected invalid config, got nil")
			}
		})
	}
}
