package access

import (
	"net"
	"strings"
)

// LanIP picks the address other LAN hosts should use to reach this machine.
// Private ranges are preferred (192.168.* over 10.* over 172.16-31.*) and
// loopback, link-local and CGNAT addresses are skipped. Falls back to the
// source address of an outbound probe, then to loopback.
func LanIP() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		var best string
		bestScore := 0
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			s := ip.String()
			if strings.HasPrefix(s, "127.") ||
				strings.HasPrefix(s, "169.254.") ||
				strings.HasPrefix(s, "100.64.") {
				continue
			}
			if score := scoreIP(s); score > bestScore {
				best, bestScore = s, score
			}
		}
		if best != "" {
			return best
		}
	}
	// No private interface address, let the kernel route pick one.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err == nil {
		defer func() { _ = conn.Close() }()
		if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return udpAddr.IP.String()
		}
	}
	return "127.0.0.1"
}

func scoreIP(ip string) int {
	switch {
	case strings.HasPrefix(ip, "192.168."):
		return 3
	case strings.HasPrefix(ip, "10."):
		return 2
	case strings.HasPrefix(ip, "172."):
		parts := strings.SplitN(ip, ".", 3)
		if len(parts) < 2 {
			return 0
		}
		second := 0
		for _, c := range parts[1] {
			if c < '0' || c > '9' {
				return 0
			}
			second = second*10 + int(c-'0')
		}
		if second >= 16 && second <= 31 {
			return 1
		}
	}
	return 0
}

// IsAdminOrigin reports whether a connection from remoteAddr carries
// administrative trust: loopback, or the server's own LAN address (the host
// session running next to the server). This is decided once by the transport
// layer, never from client-supplied fields.
func IsAdminOrigin(remoteAddr, lanIP string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return host == lanIP
}
