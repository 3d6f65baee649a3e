// Package ppp implements the PPP network control phase of an SSTP client.
// This file implements the Configure-* frame codec shared by NCPs (RFC 1661 Section 5).
package ppp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// PPP protocol numbers
const (
	ProtocolLCP  = 0xC021 // Link Control Protocol
	ProtocolIPCP = 0x8021 // IP Control Protocol
)

// Code is the code field of a control frame
type Code uint8

// Control frame codes
const (
	CodeConfigureRequest Code = 1
	CodeConfigureAck     Code = 2
	CodeConfigureNak     Code = 3
	CodeConfigureReject  Code = 4
	CodeTerminateRequest Code = 5
	CodeTerminateAck     Code = 6
	CodeCodeReject       Code = 7
)

func (c Code) String() string {
	switch c {
	case CodeConfigureRequest:
		return "Configure-Request"
	case CodeConfigureAck:
		return "Configure-Ack"
	case CodeConfigureNak:
		return "Configure-Nak"
	case CodeConfigureReject:
		return "Configure-Reject"
	case CodeTerminateRequest:
		return "Terminate-Request"
	case CodeTerminateAck:
		return "Terminate-Ack"
	case CodeCodeReject:
		return "Code-Reject"
	default:
		return fmt.Sprintf("Code(%d)", uint8(c))
	}
}

// isConfigure reports whether frames with this code carry an option list
func (c Code) isConfigure() bool {
	return c >= CodeConfigureRequest && c <= CodeConfigureReject
}

// OptionType is the type field of a configuration option
type OptionType uint8

// IPCP option types
const (
	OptIPAddress  OptionType = 3   // IP-Address (RFC 1332)
	OptPrimaryDNS OptionType = 129 // Primary DNS (RFC 1877)
)

func (t OptionType) String() string {
	switch t {
	case OptIPAddress:
		return "IP-Address"
	case OptPrimaryDNS:
		return "Primary-DNS"
	default:
		return fmt.Sprintf("Option(%d)", uint8(t))
	}
}

const (
	frameHeaderLen  = 4
	optionHeaderLen = 2
	addressLen      = 4
)

// Option is a configuration option carried in a Configure-* frame.
// The concrete types are *IPAddressOption, *DNSAddressOption and *UnknownOption.
type Option interface {
	Type() OptionType
	payload() []byte
}

// IPAddressOption carries the IP-Address option
type IPAddressOption struct {
	Addr net.IP
}

// Type implements Option
func (o *IPAddressOption) Type() OptionType { return OptIPAddress }

func (o *IPAddressOption) payload() []byte { return to4(o.Addr) }

// DNSAddressOption carries the Primary-DNS option
type DNSAddressOption struct {
	Addr net.IP
}

// Type implements Option
func (o *DNSAddressOption) Type() OptionType { return OptPrimaryDNS }

func (o *DNSAddressOption) payload() []byte { return to4(o.Addr) }

// UnknownOption is an option the codec cannot classify. It is kept opaque so
// it can be reflected back in a Configure-Reject.
type UnknownOption struct {
	Kind OptionType
	Data []byte
}

// Type implements Option
func (o *UnknownOption) Type() OptionType { return o.Kind }

func (o *UnknownOption) payload() []byte { return o.Data }

// AddressOf returns the address carried by a known address option, or nil.
func AddressOf(opt Option) net.IP {
	switch o := opt.(type) {
	case *IPAddressOption:
		return o.Addr
	case *DNSAddressOption:
		return o.Addr
	default:
		return nil
	}
}

// NewAddressOption builds the known option of the given type carrying addr.
func NewAddressOption(t OptionType, addr net.IP) Option {
	switch t {
	case OptIPAddress:
		return &IPAddressOption{Addr: addr}
	case OptPrimaryDNS:
		return &DNSAddressOption{Addr: addr}
	default:
		return &UnknownOption{Kind: t, Data: to4(addr)}
	}
}

func to4(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return net.IPv4zero.To4()
}

// Frame is a PPP control frame. Configure-* frames carry Options in wire
// order; other codes carry their raw payload in Data.
type Frame struct {
	Code       Code
	Identifier uint8
	Options    []Option
	Data       []byte
}

// ParseError reports a malformed control frame
type ParseError struct {
	Code Code
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s: %v", e.Code, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErrorf(code Code, format string, args ...any) *ParseError {
	return &ParseError{Code: code, Err: fmt.Errorf(format, args...)}
}

// ReadFrame consumes exactly one control frame from the front of buf.
// Octets beyond the frame's length field are left in buf.
func ReadFrame(buf *bytes.Buffer) (*Frame, error) {
	data := buf.Bytes()
	if len(data) < frameHeaderLen {
		var code Code
		if len(data) > 0 {
			code = Code(data[0])
		}
		return nil, parseErrorf(code, "data too short for control frame header")
	}

	code := Code(data[0])
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length < frameHeaderLen {
		return nil, parseErrorf(code, "length %d shorter than header", length)
	}
	if length > len(data) {
		return nil, parseErrorf(code, "length %d exceeds data (%d)", length, len(data))
	}

	frame := &Frame{
		Code:       code,
		Identifier: data[1],
	}
	body := data[frameHeaderLen:length]

	if code.isConfigure() {
		opts, err := parseOptions(body)
		if err != nil {
			return nil, &ParseError{Code: code, Err: err}
		}
		frame.Options = opts
	} else if len(body) > 0 {
		frame.Data = make([]byte, len(body))
		copy(frame.Data, body)
	}

	buf.Next(length)
	return frame, nil
}

// ParseFrame parses a control frame from data
func ParseFrame(data []byte) (*Frame, error) {
	return ReadFrame(bytes.NewBuffer(data))
}

func parseOptions(data []byte) ([]Option, error) {
	var opts []Option
	seen := make(map[OptionType]bool)
	offset := 0

	for offset < len(data) {
		if offset+optionHeaderLen > len(data) {
			return nil, fmt.Errorf("truncated option header at offset %d", offset)
		}

		optType := OptionType(data[offset])
		optLen := int(data[offset+1])

		if optLen < optionHeaderLen {
			return nil, fmt.Errorf("invalid length %d for %s", optLen, optType)
		}
		if offset+optLen > len(data) {
			return nil, fmt.Errorf("%s length exceeds frame", optType)
		}

		value := data[offset+optionHeaderLen : offset+optLen]

		switch optType {
		case OptIPAddress, OptPrimaryDNS:
			if len(value) != addressLen {
				return nil, fmt.Errorf("%s carries %d octets, want %d", optType, len(value), addressLen)
			}
			if seen[optType] {
				return nil, fmt.Errorf("duplicate %s", optType)
			}
			seen[optType] = true

			addr := make(net.IP, addressLen)
			copy(addr, value)
			opts = append(opts, NewAddressOption(optType, addr))
		default:
			unknown := &UnknownOption{Kind: optType, Data: make([]byte, len(value))}
			copy(unknown.Data, value)
			opts = append(opts, unknown)
		}

		offset += optLen
	}

	return opts, nil
}

// Serialize serializes the frame with a computed length field
func (f *Frame) Serialize() []byte {
	var body []byte
	if f.Code.isConfigure() {
		body = SerializeOptions(f.Options)
	} else {
		body = f.Data
	}

	buf := make([]byte, frameHeaderLen+len(body))
	buf[0] = uint8(f.Code)
	buf[1] = f.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	copy(buf[frameHeaderLen:], body)
	return buf
}

// SerializeOptions serializes options as concatenated TLVs in order
func SerializeOptions(opts []Option) []byte {
	var buf []byte
	for _, opt := range opts {
		value := opt.payload()
		optBuf := make([]byte, optionHeaderLen+len(value))
		optBuf[0] = uint8(opt.Type())
		optBuf[1] = uint8(optionHeaderLen + len(value))
		copy(optBuf[optionHeaderLen:], value)
		buf = append(buf, optBuf...)
	}
	return buf
}

// Option returns the first option of type t, or nil
func (f *Frame) Option(t OptionType) Option {
	for _, opt := range f.Options {
		if opt.Type() == t {
			return opt
		}
	}
	return nil
}

// IPAddress returns the IP-Address option, or nil
func (f *Frame) IPAddress() *IPAddressOption {
	opt, _ := f.Option(OptIPAddress).(*IPAddressOption)
	return opt
}

// DNSAddress returns the Primary-DNS option, or nil
func (f *Frame) DNSAddress() *DNSAddressOption {
	opt, _ := f.Option(OptPrimaryDNS).(*DNSAddressOption)
	return opt
}

// HasUnknownOption reports whether the frame carries an unclassified option
func (f *Frame) HasUnknownOption() bool {
	for _, opt := range f.Options {
		if _, ok := opt.(*UnknownOption); ok {
			return true
		}
	}
	return false
}

// ExtractUnknownOptions returns the unclassified options in original order
func (f *Frame) ExtractUnknownOptions() []Option {
	var unknown []Option
	for _, opt := range f.Options {
		if _, ok := opt.(*UnknownOption); ok {
			unknown = append(unknown, opt)
		}
	}
	return unknown
}

// sameOptions reports whether two option lists are identical on the wire
func sameOptions(a, b []Option) bool {
	return bytes.Equal(SerializeOptions(a), SerializeOptions(b))
}
