package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	otlpruntime "go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/audit"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/config"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/connection"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/driver"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/session"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/utils"
)

var appConfig = config.DefaultConfig() // holds processed config values

//nolint:funlen // flag definitions
func NewClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "joins a team session and relays telemetry and driver changes",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return appConfig.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&config.Token,
		"token",
		"",
		"bearer token for the session backend")
	cmd.Flags().StringVar(&appConfig.Team,
		"team",
		"",
		"team session to join")
	cmd.Flags().StringVar(&appConfig.DriverID,
		"driver",
		"",
		"driver id added to this client's log lines")
	cmd.Flags().DurationVar(&appConfig.ReconnectBaseDelay,
		"reconnect-base-delay",
		appConfig.ReconnectBaseDelay,
		"delay before the first reconnect attempt")
	cmd.Flags().Float64Var(&appConfig.ReconnectMultiplier,
		"reconnect-multiplier",
		appConfig.ReconnectMultiplier,
		"growth factor of the reconnect delay")
	cmd.Flags().DurationVar(&appConfig.ReconnectMaxDelay,
		"reconnect-max-delay",
		appConfig.ReconnectMaxDelay,
		"upper bound of the reconnect delay")
	cmd.Flags().IntVar(&appConfig.ReconnectMaxAttempts,
		"reconnect-max-attempts",
		appConfig.ReconnectMaxAttempts,
		"reconnect attempts before giving up")
	cmd.Flags().DurationVar(&appConfig.ThrottleInterval,
		"throttle-interval",
		appConfig.ThrottleInterval,
		"minimum spacing of telemetry deliveries per driver")
	cmd.Flags().DurationVar(&appConfig.HandoffTimeout,
		"handoff-timeout",
		appConfig.HandoffTimeout,
		"pending handoffs are cancelled after this duration")
	cmd.Flags().DurationVar(&appConfig.SwitchAckTimeout,
		"switch-ack-timeout",
		appConfig.SwitchAckTimeout,
		"direct switches are rolled back if not acknowledged within this duration")
	cmd.Flags().BoolVar(&appConfig.AllowDirectSwitch,
		"allow-direct-switch",
		false,
		"allow switching drivers without a handoff")
	cmd.Flags().IntVar(&appConfig.TelemetryBufferSize,
		"telemetry-buffer-size",
		appConfig.TelemetryBufferSize,
		"telemetry samples kept per driver")
	cmd.Flags().StringVar(&config.NatsURL,
		"nats-url",
		"",
		"NATS server for the handoff audit trail (in memory if empty)")
	return cmd
}

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

func setupLogger() (io.Closer, error) {
	var writer io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if config.LogFile != "" {
		f := log.RotatingFile(config.LogFile, 50, 5)
		writer, closer = f, f
	}
	filter, err := log.WithFilter(config.LogFilter)
	if err != nil {
		return nil, fmt.Errorf("log-filter: %w", err)
	}
	var logger *log.Logger
	switch config.LogFormat {
	case "json":
		logger = log.New(
			writer,
			parseLogLevel(config.LogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1),
			filter)
	default:
		logger = log.DevLogger(
			writer,
			parseLogLevel(config.LogLevel, log.DebugLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1),
			filter)
	}
	log.ResetDefault(logger)
	return closer, nil
}

//nolint:funlen,cyclop // startup sequence
func runClient(ctx context.Context) error {
	logCloser, err := setupLogger()
	if err != nil {
		return err
	}
	//nolint:errcheck // nothing left to report to
	defer logCloser.Close()

	log.Debug("Config:",
		log.String("url", config.URL),
		log.String("team", appConfig.Team),
		log.String("driver", appConfig.DriverID),
		log.String("nats", config.NatsURL),
		log.Bool("allowDirectSwitch", appConfig.AllowDirectSwitch),
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := utils.WaitForServices(ctx, config.ParseWaitDuration(),
		config.URL, config.NatsURL); err != nil {
		log.Error("required services not ready", log.ErrorField(err))
		return err
	}

	if config.EnableTelemetry {
		log.Info("Enabling telemetry")
		if telemetry, err := config.SetupTelemetry(ctx); err == nil {
			defer telemetry.Shutdown()
		} else {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		}
		err = otlpruntime.Start(otlpruntime.WithMinimumReadMemStatsInterval(time.Second))
		if err != nil {
			log.Warn("Could not start runtime metrics", log.ErrorField(err))
		}
	}

	var sink audit.Sink = audit.NewMemorySink()
	if config.NatsURL != "" {
		nc, err := nats.Connect(config.NatsURL, nats.Name("rbx-"+appConfig.Team))
		if err != nil {
			log.Error("could not connect to nats", log.ErrorField(err))
			return err
		}
		//nolint:errcheck // shutdown
		defer nc.Drain()
		if sink, err = audit.NewKVSink(ctx, nc); err != nil {
			log.Error("could not open audit bucket", log.ErrorField(err))
			return err
		}
	}

	dialer := connection.NewWebsocketDialer(config.URL, staticToken(config.Token))
	s := session.New(dialer,
		session.WithContext(ctx),
		session.WithAuditSink(sink),
		session.WithConfig(sessionConfig(appConfig)))
	go logChanges(s)
	s.Start()
	log.Info("Client started", log.String("url", config.URL), log.String("team", appConfig.Team))

	<-ctx.Done()
	log.Debug("Got signal", log.ErrorField(context.Cause(ctx)))
	s.Close()
	log.Info("Client terminated")
	return nil
}

func sessionConfig(c config.Config) session.Config {
	cfg := session.DefaultConfig()
	cfg.Team = c.Team
	cfg.DriverID = c.DriverID
	cfg.Backoff = c.Backoff()
	cfg.ThrottleInterval = c.ThrottleInterval
	cfg.HandoffTimeout = c.HandoffTimeout
	cfg.SwitchAckTimeout = c.SwitchAckTimeout
	cfg.AllowDirectSwitch = c.AllowDirectSwitch
	cfg.BufferSize = c.TelemetryBufferSize
	return cfg
}

func staticToken(token string) connection.TokenProvider {
	if token == "" {
		return nil
	}
	return func(context.Context) (string, error) { return token, nil }
}

// logChanges reports driver and handoff changes until the session closes.
func logChanges(s *session.Session) {
	changes := s.Changes().Subscribe()
	handoffs := s.Handoffs().Subscribe()
	for changes != nil || handoffs != nil {
		select {
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if c.Kind == driver.ChangeTelemetry {
				continue
			}
			log.Info("driver change",
				log.String("kind", string(c.Kind)),
				log.String("driverId", c.DriverID),
				log.String("active", c.ActiveID))
		case r, ok := <-handoffs:
			if !ok {
				handoffs = nil
				continue
			}
			fields := []log.Field{
				log.String("id", r.ID),
				log.String("from", r.FromDriverID),
				log.String("to", r.ToDriverID),
				log.String("status", string(r.Status)),
			}
			if r.Status == model.HandoffCancelled {
				fields = append(fields, log.String("reason", string(r.CancelReason)))
			}
			log.Info("handoff", fields...)
		}
	}
}
