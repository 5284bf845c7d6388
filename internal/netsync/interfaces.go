package netsync

import "net"

// AddrSet is the set of IP addresses assigned to local interfaces, used
// as the first stage of the self-echo filter: a datagram whose source IP
// is in the set came from this host.
type AddrSet map[string]struct{}

// Contains reports whether ip belongs to this host.
func (s AddrSet) Contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	_, ok := s[ip.String()]
	return ok
}

// LocalAddrSet enumerates the addresses of all local interfaces. The set
// is captured once at startup; address churn mid-session only weakens the
// first filter stage, the sender-callsign stage still applies.
func LocalAddrSet() (AddrSet, error) {
	set := make(AddrSet)
	ifaces, err := net.Interfaces()
	if err != nil {
		return set, err
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch a := addr.(type) {
			case *net.IPNet:
				ip = a.IP
			case *net.IPAddr:
				ip = a.IP
			}
			if ip != nil {
				set[ip.String()] = struct{}{}
			}
		}
	}
	return set, nil
}
