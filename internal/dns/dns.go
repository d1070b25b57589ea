// Package dns resolves the relay host, falling back to public resolvers when
// the system resolver is broken (captive portals, stale VPN config).
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// PublicDNS are servers to be queried if a local lookup fails.
var PublicDNS = []string{
	"1.1.1.1",                // Cloudflare
	"1.0.0.1",                // Cloudflare
	"[2606:4700:4700::1111]", // Cloudflare
	"8.8.8.8",                // Google
	"8.8.4.4",                // Google
	"[2001:4860:4860::8888]", // Google
	"9.9.9.9",                // Quad9
	"149.112.112.112",        // Quad9
	"208.67.222.222",         // Cisco OpenDNS
	"208.67.220.220",         // Cisco OpenDNS
}

// Resolver looks a host up locally first and races the fallback servers after.
type Resolver struct {
	Fallback     []string
	LocalTimeout time.Duration
	RaceTimeout  time.Duration

	// lookup is replaceable in tests.
	lookup func(ctx context.Context, host, server string) ([]string, error)
}

// NewResolver returns a resolver using PublicDNS as fallback.
func NewResolver() *Resolver {
	return &Resolver{
		Fallback:     PublicDNS,
		LocalTimeout: time.Second,
		RaceTimeout:  2 * time.Second,
		lookup:       lookupHost,
	}
}

// Lookup resolves host to a single IP, preferring IPv4. IP literals are returned as is.
func (r *Resolver) Lookup(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	local, cancel := context.WithTimeout(ctx, r.LocalTimeout)
	ips, err := r.lookup(local, host, "")
	cancel()
	if err == nil {
		if ip, ok := pick(ips); ok {
			return ip, nil
		}
	}
	if len(r.Fallback) == 0 {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	return r.race(ctx, host)
}

// DialContext resolves the host part of addr and dials the result. It has the
// shape websocket.Dialer.NetDialContext expects.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ip, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}

	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

func (r *Resolver) race(ctx context.Context, host string) (string, error) {
	type result struct {
		ip  string
		err error
	}

	ctx, cancel := context.WithTimeout(ctx, r.RaceTimeout)
	defer cancel()

	results := make(chan result, len(r.Fallback))
	for _, server := range r.Fallback {
		go func() {
			ips, err := r.lookup(ctx, host, server)
			ip, ok := pick(ips)
			if err == nil && !ok {
				err = errors.New("no IPs returned")
			}
			results <- result{ip: ip, err: err}
		}()
	}

	failures := 0
	for range r.Fallback {
		select {
		case res := <-results:
			if res.err == nil {
				return res.ip, nil
			}
			failures++
		case <-ctx.Done():
			return "", fmt.Errorf("resolve %s: public DNS race timed out", host)
		}
	}
	return "", fmt.Errorf("resolve %s: all %d public DNS servers failed", host, failures)
}

// lookupHost asks server directly, or the system resolver when server is empty.
func lookupHost(ctx context.Context, host, server string) ([]string, error) {
	r := &net.Resolver{}
	if server != "" {
		r = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
			},
		}
	}
	return r.LookupHost(ctx, host)
}

func pick(ips []string) (string, bool) {
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			return ip, true
		}
	}
	if len(ips) > 0 {
		return ips[0], true
	}
	return "", false
}
