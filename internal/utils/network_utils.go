package utils

import (
	"net"
	"strings"
)

// Carrier-grade NAT range (100.64.0.0/10), also used by Cloudflare WARP and Tailscale.
var cgnatBlock = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// Interface name fragments of tunnels that usually break direct paths.
var tunnelNames = []string{"tun", "tap", "wg", "ppp", "warp", "utun"}

// ShouldForceRelay reports whether any active interface looks like a VPN or
// CGNAT link, in which case media should go through TURN.
func ShouldForceRelay() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			addrs = nil
		}
		if LooksRelayOnly(iface.Name, addrs) {
			return true
		}
	}
	return false
}

// LooksRelayOnly applies the tunnel heuristics to one interface.
func LooksRelayOnly(name string, addrs []net.Addr) bool {
	name = strings.ToLower(name)
	for _, frag := range tunnelNames {
		if strings.Contains(name, frag) {
			return true
		}
	}

	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil && cgnatBlock.Contains(ip) {
			return true
		}
	}
	return false
}
