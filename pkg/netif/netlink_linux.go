//go:build linux

package netif

import (
	"fmt"
	"syscall"

	"github.com/codelaboratoryltd/sstpc/pkg/ppp"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// NetlinkConfigurator implements Configurator using Linux netlink.
type NetlinkConfigurator struct {
	handle *netlink.Handle
	logger *zap.Logger
}

// NewConfigurator creates a netlink-backed configurator.
func NewConfigurator(logger *zap.Logger) (Configurator, error) {
	handle, err := netlink.NewHandle(syscall.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("create netlink handle: %w", err)
	}

	return &NetlinkConfigurator{
		handle: handle,
		logger: logger,
	}, nil
}

// Close releases the netlink handle.
func (c *NetlinkConfigurator) Close() {
	if c.handle != nil {
		c.handle.Close()
	}
}

// Apply assigns the negotiated address to ifname and brings it up.
func (c *NetlinkConfigurator) Apply(ifname string, opts ppp.IPCPNegotiatedOptions) error {
	addr, err := AddressFor(opts)
	if err != nil {
		return err
	}

	link, err := c.handle.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("find link %s: %w", ifname, err)
	}

	nlAddr := &netlink.Addr{
		IPNet: addr.Local,
		Peer:  addr.Peer,
	}
	if err := c.handle.AddrReplace(link, nlAddr); err != nil {
		return fmt.Errorf("assign %s to %s: %w", addr, ifname, err)
	}

	if err := c.handle.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", ifname, err)
	}

	fields := []zap.Field{
		zap.String("interface", ifname),
		zap.String("address", addr.String()),
	}
	if opts.PrimaryDNS != nil && !opts.PrimaryDNS.IsUnspecified() {
		fields = append(fields, zap.String("dns", opts.PrimaryDNS.String()))
	}
	c.logger.Info("Interface configured", fields...)

	return nil
}
