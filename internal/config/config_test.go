package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is api",
			check:  func(c *Config) bool { return c.Mode == "api" },
			expect: "api",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
		{
			name:   "default bcrypt cost",
			check:  func(c *Config) bool { return c.BcryptCost == 12 },
			expect: "12",
		},
		{
			name:   "default access token ttl",
			check:  func(c *Config) bool { return c.AccessTokenTTLMin == 15 },
			expect: "15",
		},
		{
			name:   "default device token ttl",
			check:  func(c *Config) bool { return c.DeviceTokenTTLMin == 10 },
			expect: "10",
		},
		{
			name:   "default refresh ttl days",
			check:  func(c *Config) bool { return c.RefreshTTLDays == 30 },
			expect: "30",
		},
		{
			name:   "default lockout max attempts",
			check:  func(c *Config) bool { return c.LockoutMaxAttempts == 5 },
			expect: "5",
		},
		{
			name:   "default lockout minutes",
			check:  func(c *Config) bool { return c.LockoutMinutes == 15 },
			expect: "15",
		},
		{
			name:   "default retention keep-until max hours",
			check:  func(c *Config) bool { return c.RetentionKeepUntilMaxHours == 168 },
			expect: "168",
		},
		{
			name:   "default watcher debounce seconds",
			check:  func(c *Config) bool { return c.WatcherDebounceSeconds == 2 },
			expect: "2",
		},
		{
			name:   "cookies secure and httponly by default",
			check:  func(c *Config) bool { return c.CookieSecure && c.CookieHTTPOnly },
			expect: "true",
		},
		{
			name:   "env defaults to production, not development",
			check:  func(c *Config) bool { return c.Env == "production" && !c.IsDevelopment() },
			expect: "production",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
