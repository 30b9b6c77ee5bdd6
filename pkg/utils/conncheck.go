package utils

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
)

var defaultPorts = map[string]string{
	"ws":    "80",
	"http":  "80",
	"wss":   "443",
	"https": "443",
	"nats":  "4222",
	"tls":   "4222",
}

// WaitForTCP dials addr until it answers or timeout elapses.
func WaitForTCP(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	log.Debug("wait for tcp connection",
		log.String("addr", addr),
		log.String("timeout", timeout.String()))
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			//nolint:errcheck // readiness check only
			conn.Close()
			log.Debug("tcp connection successful",
				log.String("addr", addr),
				log.String("duration", time.Since(start).String()))
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s could not be reached after %v", addr, timeout)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// ExtractAddr returns host:port of a service url. A missing port is filled in
// from the scheme.
func ExtractAddr(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", rawURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port, ok := defaultPorts[u.Scheme]
	if !ok {
		return "", fmt.Errorf("no default port for scheme %q", u.Scheme)
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// WaitForServices waits for every url in turn; empty entries are skipped.
func WaitForServices(ctx context.Context, timeout time.Duration, urls ...string) error {
	for _, raw := range urls {
		if raw == "" {
			continue
		}
		addr, err := ExtractAddr(raw)
		if err != nil {
			return err
		}
		if err := WaitForTCP(ctx, addr, timeout); err != nil {
			return err
		}
	}
	return nil
}
