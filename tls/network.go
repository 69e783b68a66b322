// Package tls manages the control plane's local certificate authority and
// server certificate, and serves the CA to handler devices for pairing.
package tls

import (
	"net"
	"os"
	"strings"
)

// GetLANIPs returns the non-loopback IPv4 addresses of the up interfaces.
func GetLANIPs() ([]string, error) {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
				ips = append(ips, ip.String())
			}
		}
	}
	return ips, nil
}

// MDNSHostname returns the host's name in the .local domain, the name mDNS
// browsers resolve the advertised service to. Empty when unknown.
func MDNSHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return ""
	}
	name, _, _ = strings.Cut(name, ".")
	return name + ".local"
}

// GetAllHosts returns the names the server certificate is issued for:
// localhost, the loopback address, the mDNS hostname and the LAN IPs.
func GetAllHosts() ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}
	if h := MDNSHostname(); h != "" {
		hosts = append(hosts, h)
	}

	lanIPs, err := GetLANIPs()
	if err != nil {
		return hosts, err
	}
	return append(hosts, lanIPs...), nil
}
