package main

import (
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/gigmarket/marketchat"
)

const defaultBaseURL = "http://localhost:8787"

var errNoToken = errors.New("no session token; run 'marketchat init <token>' first")

// requireConfig loads the config and checks that a token is present.
func requireConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, errNoToken
	}
	return cfg, nil
}

func baseURL(cfg *Config) string {
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return defaultBaseURL
}

// wsURL returns the configured realtime endpoint, or derives it from the
// REST endpoint by swapping the scheme and appending /ws.
func wsURL(cfg *Config) string {
	if cfg.Default.WSURL != "" {
		return cfg.Default.WSURL
	}
	u, err := url.Parse(baseURL(cfg))
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

func newClient(cfg *Config) *marketchat.Client {
	return marketchat.NewClient(cfg.Auth.Token,
		marketchat.WithBaseURL(baseURL(cfg)),
		marketchat.WithLogger(slog.Default()),
	)
}

func shortTime(m *marketchat.Message) string {
	if m == nil || m.CreatedAt.IsZero() {
		return "-"
	}
	return m.CreatedAt.Local().Format("Jan 02 15:04")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
