package ppp

import (
	"net"
)

// OptionNegotiator decides how one option kind is proposed and how the
// peer's requests, Naks and Rejects for it are handled.
type OptionNegotiator interface {
	// Type returns the option type handled by this negotiator
	Type() OptionType

	// Create builds the option carrying the current desired value
	Create() Option

	// CompromiseReq reports whether the value the peer requested is
	// acceptable as-is
	CompromiseReq(received Option) bool

	// Suggest builds the corrected option sent back in a Configure-Nak
	Suggest(received Option) Option

	// CompromiseNak adopts the peer's counter-proposal for the next request
	CompromiseNak(received Option)

	// IsRejected reports whether the peer permanently refused the option
	IsRejected() bool

	// SetRejected marks the option as permanently refused
	SetRejected()

	// Wanted reports whether the option is put in outbound requests
	Wanted() bool

	// Mandatory reports whether the session cannot run without the option
	Mandatory() bool
}

// AddressPolicy is the locally configured value of an address option.
// A nil or unspecified Address asks the peer for an assignment.
type AddressPolicy struct {
	Address net.IP
	Fixed   bool // Never compromise away from Address
}

// AnyAddress returns a policy that accepts whatever the peer assigns
func AnyAddress() AddressPolicy {
	return AddressPolicy{Address: net.IPv4zero}
}

// FixedAddress returns a policy pinned to ip
func FixedAddress(ip net.IP) AddressPolicy {
	return AddressPolicy{Address: ip, Fixed: true}
}

// AddressNegotiator negotiates a 4-octet address option (IP-Address, DNS)
type AddressNegotiator struct {
	optType   OptionType
	policy    AddressPolicy
	desired   net.IP
	assign    net.IP // Value handed to the peer when it asks, nil for none
	mandatory bool
	passive   bool
	rejected  bool
}

// AddressNegotiatorOption configures an AddressNegotiator
type AddressNegotiatorOption func(*AddressNegotiator)

// WithAssignment makes the negotiator hand ip to a peer requesting this option
func WithAssignment(ip net.IP) AddressNegotiatorOption {
	return func(n *AddressNegotiator) {
		if ip != nil && !ip.IsUnspecified() {
			n.assign = ip.To4()
		}
	}
}

// WithMandatory marks the option as required for the session
func WithMandatory() AddressNegotiatorOption {
	return func(n *AddressNegotiator) {
		n.mandatory = true
	}
}

// WithPassive evaluates the option in peer requests but never proposes it
func WithPassive() AddressNegotiatorOption {
	return func(n *AddressNegotiator) {
		n.passive = true
	}
}

// NewAddressNegotiator creates a negotiator for option type t
func NewAddressNegotiator(t OptionType, policy AddressPolicy, opts ...AddressNegotiatorOption) *AddressNegotiator {
	desired := policy.Address.To4()
	if desired == nil {
		desired = net.IPv4zero.To4()
	}

	n := &AddressNegotiator{
		optType: t,
		policy:  policy,
		desired: desired,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Type implements OptionNegotiator
func (n *AddressNegotiator) Type() OptionType {
	return n.optType
}

// Create implements OptionNegotiator
func (n *AddressNegotiator) Create() Option {
	addr := make(net.IP, len(n.desired))
	copy(addr, n.desired)
	return NewAddressOption(n.optType, addr)
}

// CompromiseReq implements OptionNegotiator
func (n *AddressNegotiator) CompromiseReq(received Option) bool {
	addr := AddressOf(received)
	if addr == nil {
		return false
	}

	// A peer asking for an assignment is answered only when we have one
	if addr.IsUnspecified() {
		return n.assign == nil
	}

	// The peer may not claim the address pinned for this side
	if n.policy.Fixed && addr.Equal(n.desired) {
		return false
	}

	if n.assign != nil && !addr.Equal(n.assign) {
		return false
	}

	return true
}

// Suggest implements OptionNegotiator
func (n *AddressNegotiator) Suggest(received Option) Option {
	if n.assign != nil {
		addr := make(net.IP, len(n.assign))
		copy(addr, n.assign)
		return NewAddressOption(n.optType, addr)
	}
	return n.Create()
}

// CompromiseNak implements OptionNegotiator
func (n *AddressNegotiator) CompromiseNak(received Option) {
	if n.policy.Fixed {
		return
	}

	addr := AddressOf(received).To4()
	if addr == nil {
		return
	}
	n.desired = addr
}

// IsRejected implements OptionNegotiator
func (n *AddressNegotiator) IsRejected() bool {
	return n.rejected
}

// SetRejected implements OptionNegotiator
func (n *AddressNegotiator) SetRejected() {
	n.rejected = true
}

// Wanted implements OptionNegotiator
func (n *AddressNegotiator) Wanted() bool {
	return !n.rejected && !n.passive
}

// Mandatory implements OptionNegotiator
func (n *AddressNegotiator) Mandatory() bool {
	return n.mandatory
}

// Value returns the current desired address
func (n *AddressNegotiator) Value() net.IP {
	return n.desired
}
