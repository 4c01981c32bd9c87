// Package probe provides the network reachability signal.
//
// A Probe is a pre-flight heuristic only. A positive answer does not
// guarantee that a remote call will succeed; callers still handle the
// failure of the call itself.
package probe

import (
	"fmt"
	"net"
	"sync/atomic"
)

// Probe reports whether remote calls are worth attempting.
type Probe interface {
	IsLikelyReachable() bool
}

// Static always returns the same answer.
type Static bool

// IsLikelyReachable implements Probe.
func (s Static) IsLikelyReachable() bool { return bool(s) }

// Func adapts a function to Probe.
type Func func() bool

// IsLikelyReachable implements Probe.
func (f Func) IsLikelyReachable() bool { return f() }

// Toggle is a Probe whose answer can be changed at runtime.
type Toggle struct {
	v atomic.Bool
}

// NewToggle creates a toggle with the initial answer.
func NewToggle(reachable bool) *Toggle {
	t := &Toggle{}
	t.v.Store(reachable)
	return t
}

// Set changes the answer.
func (t *Toggle) Set(reachable bool) { t.v.Store(reachable) }

// IsLikelyReachable implements Probe.
func (t *Toggle) IsLikelyReachable() bool { return t.v.Load() }

// Interfaces reads the host's own connectivity signal: the network is
// likely reachable when at least one interface is up, is not loopback and
// carries a routable unicast address. No packets are sent.
type Interfaces struct {
	list  func() ([]net.Interface, error)
	addrs func(net.Interface) ([]net.Addr, error)
}

// NewInterfaces creates a probe over the system network interfaces.
func NewInterfaces() *Interfaces {
	return &Interfaces{
		list:  net.Interfaces,
		addrs: func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

// IsLikelyReachable implements Probe.
func (p *Interfaces) IsLikelyReachable() bool {
	ifaces, err := p.list()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := p.addrs(iface)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.IsGlobalUnicast() {
				return true
			}
		}
	}
	return false
}

// Modes accepted by New.
const (
	ModeInterfaces = "interfaces"
	ModeOnline     = "online"
	ModeOffline    = "offline"
)

// New builds a probe from a configuration mode. An empty mode means
// ModeInterfaces. The online and offline modes return a Toggle so the
// answer can still be flipped at runtime.
func New(mode string) (Probe, error) {
	switch mode {
	case "", ModeInterfaces:
		return NewInterfaces(), nil
	case ModeOnline:
		return NewToggle(true), nil
	case ModeOffline:
		return NewToggle(false), nil
	}
	return nil, fmt.Errorf("unknown probe mode %q (want %s, %s or %s)", mode, ModeInterfaces, ModeOnline, ModeOffline)
}
