// Package config resolves client and relay settings.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client defaults.
const (
	DefaultServer        = "call.warpdrop.qzz.io"
	DefaultSTUN          = "stun:stun.l.google.com:19302"
	DefaultGatherTimeout = 5 * time.Second
)

// Config holds the client configuration.
type Config struct {
	// Server is the relay host (or URL) as given by the user.
	Server string

	// WebSocketURL is the relay websocket endpoint derived from Server.
	WebSocketURL string

	// ICE servers for WebRTC. TURN is optional.
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// ForceRelay restricts ICE to TURN candidates.
	ForceRelay bool

	// GatherTimeout bounds how long a description waits for candidate gathering.
	GatherTimeout time.Duration
}

// Options for loading config with CLI flag overrides.
type Options struct {
	Server     string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options)
// 2. Environment variables
// 3. Defaults
func Load(opts Options) (*Config, error) {
	server := firstNonEmpty(opts.Server, os.Getenv("WARPCALL_SERVER"), DefaultServer)
	wsURL, err := websocketURL(server)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        server,
		WebSocketURL:  wsURL,
		STUNServer:    firstNonEmpty(opts.STUNServer, os.Getenv("STUN_SERVER"), DefaultSTUN),
		TURNServer:    firstNonEmpty(opts.TURNServer, os.Getenv("TURN_SERVER")),
		TURNUser:      firstNonEmpty(opts.TURNUser, os.Getenv("TURN_USERNAME")),
		TURNPass:      firstNonEmpty(opts.TURNPass, os.Getenv("TURN_PASSWORD")),
		ForceRelay:    opts.ForceRelay,
		GatherTimeout: DefaultGatherTimeout,
	}

	if cfg.ForceRelay && cfg.TURNServer == "" {
		return nil, fmt.Errorf("relay-only mode needs a TURN server")
	}
	return cfg, nil
}

// websocketURL accepts a bare host (wss is assumed), an http(s) URL or a ws(s) URL.
func websocketURL(server string) (string, error) {
	if !strings.Contains(server, "://") {
		return fmt.Sprintf("wss://%s/ws", strings.TrimSuffix(server, "/")), nil
	}

	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server %q: %w", server, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server %q: unsupported scheme %q", server, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// GetSTUNServers returns STUN server URLs, or nil when STUN is disabled.
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured. A bare host expands to
// the usual udp, tcp and tls variants.
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	if strings.HasPrefix(c.TURNServer, "turn:") || strings.HasPrefix(c.TURNServer, "turns:") {
		return []string{c.TURNServer}
	}
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("turn:%s:3478?transport=tcp", c.TURNServer),
		fmt.Sprintf("turns:%s:5349?transport=tcp", c.TURNServer),
	}
}

// GetTURNCredentials returns TURN username and password.
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
