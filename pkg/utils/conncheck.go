package utils

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/mpapenbr/zenride/log"
)

// WaitForTCP polls addr until a connection succeeds or timeout is reached.
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

// ExtractFromDBURL returns host:port of a postgres URL (default port 5432).
func ExtractFromDBURL(dbURL string) string {
	return hostPort(dbURL, map[string]string{"postgresql": "5432", "postgres": "5432"})
}

// ExtractFromNatsURL returns host:port of a NATS URL (default port 4222).
func ExtractFromNatsURL(natsURL string) string {
	return hostPort(natsURL, map[string]string{"nats": "4222", "tls": "4222"})
}

func hostPort(raw string, defaultPorts map[string]string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	port, ok := defaultPorts[u.Scheme]
	if !ok {
		return ""
	}
	if u.Port() != "" {
		port = u.Port()
	}
	return net.JoinHostPort(u.Hostname(), port)
}
