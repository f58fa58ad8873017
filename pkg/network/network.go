package network

import (
	"fmt"
	"net"
	"sync"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/util"
)

// Family is an IP address family used for SIP signaling and media.
type Family int

const (
	Unspec Family = 0
	IPv4   Family = 4
	IPv6   Family = 6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "v4"
	case IPv6:
		return "v6"
	}
	return "?"
}

// FamilyOf returns the address family of ip.
func FamilyOf(ip net.IP) Family {
	if ip == nil {
		return Unspec
	}
	if ip.To4() != nil {
		return IPv4
	}
	return IPv6
}

// Network tracks the local addresses per family and detects changes.
type Network struct {
	mu     sync.RWMutex
	laddrs map[Family]net.IP
	lookup func() (map[Family]net.IP, error)
	log    log.Logger
}

// New creates a Network and resolves the current local addresses.
func New(logger log.Logger) *Network {
	n := &Network{
		laddrs: make(map[Family]net.IP),
		lookup: resolveLocal,
		log:    logger.WithPrefix("Network"),
	}
	n.Check()
	return n
}

// NewStatic creates a Network with fixed addresses, used for tests and
// for hosts configured with explicit addresses.
func NewStatic(logger log.Logger, addrs ...net.IP) *Network {
	fixed := make(map[Family]net.IP)
	for _, ip := range addrs {
		fixed[FamilyOf(ip)] = ip
	}
	n := &Network{
		laddrs: make(map[Family]net.IP),
		lookup: func() (map[Family]net.IP, error) { return fixed, nil },
		log:    logger.WithPrefix("Network"),
	}
	n.Check()
	return n
}

// LocalAddr returns the local address of the family, nil if none.
func (n *Network) LocalAddr(af Family) net.IP {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.laddrs[af]
}

// HasFamily reports whether a usable local address of af exists.
func (n *Network) HasFamily(af Family) bool {
	return n.LocalAddr(af) != nil
}

// Check refreshes the local addresses and reports whether any changed.
func (n *Network) Check() bool {
	addrs, err := n.lookup()
	if err != nil {
		n.log.Warnf("local address lookup failed: %v", err)
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	changed := false
	for _, af := range []Family{IPv4, IPv6} {
		prev, cur := n.laddrs[af], addrs[af]
		if !prev.Equal(cur) {
			if prev != nil || cur != nil {
				changed = true
				n.log.Infof("local %s address changed: %v -> %v", af, prev, cur)
			}
			if cur == nil {
				delete(n.laddrs, af)
			} else {
				n.laddrs[af] = cur
			}
		}
	}
	return changed
}

func (n *Network) String() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return fmt.Sprintf("v4=%v v6=%v", n.laddrs[IPv4], n.laddrs[IPv6])
}

func resolveLocal() (map[Family]net.IP, error) {
	addrs := make(map[Family]net.IP)
	if ip, err := util.ResolveSelfIP(); err == nil {
		addrs[FamilyOf(ip)] = ip
	}

	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		return addrs, err
	}
	for _, a := range ifaddrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		af := FamilyOf(ipnet.IP)
		if _, found := addrs[af]; !found {
			addrs[af] = ipnet.IP
		}
	}
	return addrs, nil
}
