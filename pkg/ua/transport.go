package ua

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cloudwebrtc/go-sip-uag/pkg/network"
	"github.com/cloudwebrtc/go-sip-uag/pkg/utils"
)

func (uag *Registry) transportNames() string {
	var names []string
	if uag.cfg.Transports.UDP {
		names = append(names, "udp")
	}
	if uag.cfg.Transports.TCP {
		names = append(names, "tcp")
	}
	if uag.cfg.Transports.TLS {
		names = append(names, "tls")
	}
	return strings.Join(names, ",")
}

// addTransports binds the enabled transports on every address family that
// has a local address.
func (uag *Registry) addTransports() error {
	if uag.net == nil {
		return uag.addTransportsAF(network.IPv4, net.IPv4zero)
	}

	added := false
	for _, af := range []network.Family{network.IPv4, network.IPv6} {
		laddr := uag.net.LocalAddr(af)
		if laddr == nil {
			continue
		}
		if err := uag.addTransportsAF(af, laddr); err != nil {
			return err
		}
		added = true
	}
	if !added {
		uag.log.Warn("no local address found, binding to any")
		return uag.addTransportsAF(network.IPv4, net.IPv4zero)
	}
	return nil
}

func (uag *Registry) addTransportsAF(af network.Family, laddr net.IP) error {
	host := laddr.String()
	var port uint16

	if local := uag.cfg.SIP.Local; local != "" {
		h, p, err := utils.SplitHostPort(local)
		if err != nil {
			return fmt.Errorf("%w: sip.local: %w", ErrConfiguration, err)
		}
		if h != "" {
			ip := net.ParseIP(h)
			if ip == nil {
				return fmt.Errorf("%w: sip.local: invalid address %q", ErrConfiguration, h)
			}
			if network.FamilyOf(ip) != af {
				uag.log.Debugf("skipping %s transports, bound to %s", af, h)
				return nil
			}
			host = h
		}
		port = p
	}

	addr := utils.JoinHostPort(host, port)
	if uag.cfg.Transports.UDP {
		if err := uag.stack.AddTransport("udp", addr, nil); err != nil {
			return fmt.Errorf("udp %s: %w", addr, err)
		}
	}
	if uag.cfg.Transports.TCP {
		if err := uag.stack.AddTransport("tcp", addr, nil); err != nil {
			return fmt.Errorf("tcp %s: %w", addr, err)
		}
	}
	if uag.cfg.Transports.TLS {
		if port != 0 {
			addr = utils.JoinHostPort(host, port+1)
		}
		if err := uag.stack.AddTransport("tls", addr, uag.TLSConfig()); err != nil {
			return fmt.Errorf("tls %s: %w", addr, err)
		}
	}
	return nil
}

// ResetTransport rebinds all transports after a network change. With reg
// set user agents are registered again; with reinvite set calls are
// moved to the new local address. All failures are returned together.
func (uag *Registry) ResetTransport(reg, reinvite bool) error {
	if !uag.running.IsSet() {
		return ErrClosed
	}

	uag.stack.FlushTransports()
	if uag.net != nil {
		uag.net.Check()
	}
	if err := uag.addTransports(); err != nil {
		return err
	}

	var errs []error
	for _, ua := range uag.List() {
		if reg && ua.acc.RegInterval() > 0 {
			if err := ua.Register(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ua.AOR(), err))
			}
		}
		if !reinvite {
			continue
		}
		for _, call := range ua.Calls() {
			if err := call.ResetTransport(uag.localAddr(call.AF())); err != nil {
				errs = append(errs, fmt.Errorf("%s: call %s: %w", ua.AOR(), call.CallID(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// WatchNetwork polls the local addresses and resets the transports when
// they change, until ctx is done or the registry is closed.
func (uag *Registry) WatchNetwork(ctx context.Context) {
	interval := uag.cfg.Net.PollInterval
	if uag.net == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-uag.ctx.Done():
			return
		case <-ticker.C:
			if !uag.net.Check() {
				continue
			}
			uag.log.Infof("network changed: %s", uag.net)
			if err := uag.ResetTransport(true, true); err != nil {
				uag.log.Warnf("reset transport: %v", err)
			}
		}
	}
}
