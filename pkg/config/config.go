package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/connection"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/dispatch"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/driver"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/handoff"
)

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	URL               string // websocket URL of the session backend
	Token             string // bearer token for the session backend
	NatsURL           string // NATS server for the audit trail, empty keeps it in memory
	WaitForServices   string // duration to wait for other services to be ready
	LogLevel          string // sets the log level (zap log level values)
	LogFormat         string // text vs json
	LogFilter         string // zapfilter rules, e.g. "*:handoff,conn"
	LogFile           string // write logs to this rotating file instead of stderr
	EnableTelemetry   bool   // enable telemetry
	TelemetryEndpoint string // endpoint for telemetry, "stdout" prints to stdout
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds the timing and session values which are used by the client
type Config struct {
	Team                 string
	DriverID             string
	ReconnectBaseDelay   time.Duration
	ReconnectMultiplier  float64
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	ReconnectJitter      float64
	ThrottleInterval     time.Duration
	HandoffTimeout       time.Duration
	SwitchAckTimeout     time.Duration
	AllowDirectSwitch    bool
	TelemetryBufferSize  int
}

func DefaultConfig() Config {
	b := connection.DefaultBackoff()
	return Config{
		ReconnectBaseDelay:   b.BaseDelay,
		ReconnectMultiplier:  b.Multiplier,
		ReconnectMaxDelay:    b.MaxDelay,
		ReconnectMaxAttempts: b.MaxAttempts,
		ReconnectJitter:      b.Jitter,
		ThrottleInterval:     dispatch.DefaultInterval,
		HandoffTimeout:       handoff.DefaultTimeout,
		SwitchAckTimeout:     handoff.DefaultAckTimeout,
		TelemetryBufferSize:  driver.DefaultBufferSize,
	}
}

func (c Config) Backoff() connection.Backoff {
	return connection.Backoff{
		BaseDelay:   c.ReconnectBaseDelay,
		Multiplier:  c.ReconnectMultiplier,
		MaxDelay:    c.ReconnectMaxDelay,
		MaxAttempts: c.ReconnectMaxAttempts,
		Jitter:      c.ReconnectJitter,
	}
}

//nolint:cyclop // one check per value
func (c Config) Validate() error {
	switch {
	case c.Team == "":
		return fmt.Errorf("%w: team is required", ErrInvalidConfig)
	case c.ReconnectBaseDelay <= 0:
		return fmt.Errorf("%w: reconnect-base-delay must be positive", ErrInvalidConfig)
	case c.ReconnectMultiplier < 1:
		return fmt.Errorf("%w: reconnect-multiplier must be >= 1", ErrInvalidConfig)
	case c.ReconnectMaxDelay < c.ReconnectBaseDelay:
		return fmt.Errorf("%w: reconnect-max-delay below base delay", ErrInvalidConfig)
	case c.ReconnectMaxAttempts < 0:
		return fmt.Errorf("%w: reconnect-max-attempts must not be negative", ErrInvalidConfig)
	case c.ReconnectJitter < 0 || c.ReconnectJitter >= 1:
		return fmt.Errorf("%w: reconnect-jitter must be in [0,1)", ErrInvalidConfig)
	case c.ThrottleInterval <= 0:
		return fmt.Errorf("%w: throttle-interval must be positive", ErrInvalidConfig)
	case c.HandoffTimeout <= 0 || c.SwitchAckTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	case c.TelemetryBufferSize < 1:
		return fmt.Errorf("%w: telemetry-buffer-size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ParseWaitDuration parses WaitForServices, falling back to 15s.
func ParseWaitDuration() time.Duration {
	d, err := time.ParseDuration(WaitForServices)
	if err != nil || d < 0 {
		return 15 * time.Second
	}
	return d
}
