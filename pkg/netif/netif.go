// Package netif applies negotiated IPCP addresses to a local network interface.
package netif

import (
	"errors"
	"fmt"
	"net"

	"github.com/codelaboratoryltd/sstpc/pkg/ppp"
)

// ErrNoLocalAddress is returned when the negotiation did not yield a usable address
var ErrNoLocalAddress = errors.New("no local address negotiated")

// Configurator applies negotiated options to an interface
type Configurator interface {
	Apply(ifname string, opts ppp.IPCPNegotiatedOptions) error
	Close()
}

// Address is the point-to-point address derived from negotiated options
type Address struct {
	Local *net.IPNet
	Peer  *net.IPNet // nil when the peer did not announce its address
}

func (a Address) String() string {
	if a.Peer == nil {
		return a.Local.String()
	}
	return fmt.Sprintf("%s peer %s", a.Local, a.Peer)
}

// AddressFor builds the /32 point-to-point address for opts
func AddressFor(opts ppp.IPCPNegotiatedOptions) (Address, error) {
	local := opts.LocalIP.To4()
	if local == nil || local.IsUnspecified() {
		return Address{}, ErrNoLocalAddress
	}

	addr := Address{
		Local: &net.IPNet{IP: local, Mask: net.CIDRMask(32, 32)},
	}
	if peer := opts.PeerIP.To4(); peer != nil && !peer.IsUnspecified() {
		addr.Peer = &net.IPNet{IP: peer, Mask: net.CIDRMask(32, 32)}
	}
	return addr, nil
}
