package service

import (
	"net"

	"github.com/rs/zerolog/log"
)

// localAddress discovers the first non-loopback IPv4 interface address; it
// parameterises the monitoring document's measure URIs.
func localAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Warn().Err(err).Msg("Could not list interface addresses")
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		return ip.String()
	}
	return "127.0.0.1"
}
