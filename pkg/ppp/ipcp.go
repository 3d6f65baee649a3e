// Package ppp implements the PPP network control phase of an SSTP client.
// This file implements IPCP (IP Control Protocol) per RFC 1332 and RFC 1877.
package ppp

import (
	"net"
	"time"

	"go.uber.org/zap"
)

// IPCPConfig holds IPCP negotiation configuration
type IPCPConfig struct {
	LocalIP      net.IP        // Address to request (nil or 0.0.0.0 asks the peer)
	LocalIPFixed bool          // Never accept a different address
	PrimaryDNS   net.IP        // DNS to request (nil asks the peer)
	RequestDNS   bool          // Propose the Primary-DNS option
	DisableDNS   bool          // Do not negotiate DNS at all; peer requests are rejected
	PeerIP       net.IP        // Address assigned to a peer asking for one
	AssignDNS    net.IP        // DNS assigned to a peer asking for one
	MaxConfigure int           // Maximum Configure-Requests without progress
	RestartTimer time.Duration // Retransmission timeout
}

// DefaultIPCPConfig returns default IPCP configuration for a client asking
// the server for both its address and a DNS server
func DefaultIPCPConfig() IPCPConfig {
	return IPCPConfig{
		RequestDNS:   true,
		MaxConfigure: 10,
		RestartTimer: 3 * time.Second,
	}
}

// IPCPNegotiatedOptions holds the negotiated IPCP options
type IPCPNegotiatedOptions struct {
	LocalIP     net.IP
	PeerIP      net.IP
	PrimaryDNS  net.IP
	DNSRejected bool
}

// IPCP is the IPCP instantiation of the negotiation automaton
type IPCP struct {
	*Automaton

	ip  *AddressNegotiator
	dns *AddressNegotiator // nil when DNS is disabled
}

// NewIPCP creates an IPCP automaton drawing identifiers from session
func NewIPCP(config IPCPConfig, session *Session, reporter Reporter, logger *zap.Logger) *IPCP {
	ipPolicy := AddressPolicy{Address: config.LocalIP, Fixed: config.LocalIPFixed}
	ip := NewAddressNegotiator(OptIPAddress, ipPolicy,
		WithMandatory(),
		WithAssignment(config.PeerIP),
	)
	negotiators := []OptionNegotiator{ip}

	var dns *AddressNegotiator
	if !config.DisableDNS {
		dnsOpts := []AddressNegotiatorOption{WithAssignment(config.AssignDNS)}
		if !config.RequestDNS {
			dnsOpts = append(dnsOpts, WithPassive())
		}
		dns = NewAddressNegotiator(OptPrimaryDNS, AddressPolicy{Address: config.PrimaryDNS}, dnsOpts...)
		negotiators = append(negotiators, dns)
	}

	automaton := NewAutomaton(AutomatonConfig{
		Protocol:     ProtocolIPCP,
		Name:         "IPCP",
		MaxConfigure: config.MaxConfigure,
	}, session.Identifier(), negotiators, reporter, logger)

	return &IPCP{
		Automaton: automaton,
		ip:        ip,
		dns:       dns,
	}
}

// Negotiated returns the negotiated options. Values are final only once
// the automaton is Opened.
func (ipcp *IPCP) Negotiated() IPCPNegotiatedOptions {
	opts := IPCPNegotiatedOptions{
		LocalIP: ipcp.ip.Value(),
	}

	for _, opt := range ipcp.PeerOptions() {
		if o, ok := opt.(*IPAddressOption); ok {
			opts.PeerIP = o.Addr
		}
	}

	if ipcp.dns != nil {
		opts.DNSRejected = ipcp.dns.IsRejected()
		if ipcp.dns.Wanted() {
			opts.PrimaryDNS = ipcp.dns.Value()
		}
	}

	return opts
}
