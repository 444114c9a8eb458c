package discovery

import (
	"net"
	"strings"

	"github.com/pion/transport/v3"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/netaddr"
)

var loopbackFallback = netaddr.MustParse("127.0.0.1")

// DetectLocalAddress picks the address this process advertises: the override
// when set, else the first up non-loopback IPv4 interface address, else
// 127.0.0.1.
func DetectLocalAddress(nw transport.Net, override string) (netaddr.Addr, error) {
	if strings.TrimSpace(override) != "" {
		return netaddr.Parse(override)
	}
	if nw == nil {
		return loopbackFallback, nil
	}

	ifaces, err := nw.Interfaces()
	if err != nil {
		return loopbackFallback, nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			addr, err := netaddr.FromNetAddr(a)
			if err != nil || !addr.IP().Is4() || addr.IsLoopback() {
				continue
			}
			return addr, nil
		}
	}
	return loopbackFallback, nil
}
