package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/connection"
)

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		c := DefaultConfig()
		c.Team = "blackbox"
		return c
	}
	tests := []struct {
		name    string
		mod     func(*Config)
		wantErr bool
	}{
		{name: "defaults", mod: func(*Config) {}},
		{name: "no team", mod: func(c *Config) { c.Team = "" }, wantErr: true},
		{name: "zero base delay", mod: func(c *Config) { c.ReconnectBaseDelay = 0 }, wantErr: true},
		{name: "shrinking multiplier", mod: func(c *Config) { c.ReconnectMultiplier = 0.5 }, wantErr: true},
		{name: "max below base", mod: func(c *Config) { c.ReconnectMaxDelay = time.Millisecond }, wantErr: true},
		{name: "jitter too large", mod: func(c *Config) { c.ReconnectJitter = 1 }, wantErr: true},
		{name: "no throttle", mod: func(c *Config) { c.ThrottleInterval = 0 }, wantErr: true},
		{name: "no handoff timeout", mod: func(c *Config) { c.HandoffTimeout = 0 }, wantErr: true},
		{name: "empty buffer", mod: func(c *Config) { c.TelemetryBufferSize = 0 }, wantErr: true},
		{name: "no reconnects", mod: func(c *Config) { c.ReconnectMaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mod(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Backoff(t *testing.T) {
	assert.Equal(t, connection.DefaultBackoff(), DefaultConfig().Backoff())
}

func TestParseWaitDuration(t *testing.T) {
	defer func(old string) { WaitForServices = old }(WaitForServices)
	WaitForServices = "3s"
	assert.Equal(t, 3*time.Second, ParseWaitDuration())
	WaitForServices = "soon"
	assert.Equal(t, 15*time.Second, ParseWaitDuration())
}
