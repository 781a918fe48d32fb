package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	waconsole "github.com/LuminPulse-AI/waconsole"
)

// getClient creates a REST client from the effective configuration.
func getClient() (*waconsole.Client, *Config) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return newClient(cfg), cfg
}

func newClient(cfg *Config) *waconsole.Client {
	var opts []waconsole.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, waconsole.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, waconsole.WithLogger(log.Logger))
	return waconsole.NewClient(cfg.Auth.Token, opts...)
}

// newRealtime builds the realtime client, honoring an explicit realtime_url.
func newRealtime(client *waconsole.Client, cfg *Config) *waconsole.RealtimeClient {
	l := log.Logger
	return client.Realtime(&waconsole.RealtimeConfig{
		URL:             cfg.Default.RealtimeURL,
		ReconnectJitter: 0.1,
		Logger:          &l,
	})
}

// clientID returns the configured operator id or a host-derived fallback.
func clientID(cfg *Config) string {
	if cfg.Auth.ClientID != "" {
		return cfg.Auth.ClientID
	}
	host, err := os.Hostname()
	if err != nil {
		return "waconsole-cli"
	}
	return "waconsole-" + host
}

func relTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func statusMark(s waconsole.MessageStatus) string {
	switch s {
	case waconsole.StatusSending:
		return "…"
	case waconsole.StatusSent:
		return "✓"
	case waconsole.StatusDelivered:
		return "✓✓"
	case waconsole.StatusRead:
		return "✓✓ read"
	case waconsole.StatusFailed:
		return "✗"
	}
	return ""
}
