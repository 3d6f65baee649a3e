package ppp

import "errors"

var (
	// ErrCounterExhausted is returned when the retry budget is spent
	ErrCounterExhausted = errors.New("configure-request retry counter exhausted")

	// ErrInvalidUnit is returned for a frame that is illegal in the current state
	ErrInvalidUnit = errors.New("invalid control frame for state")

	// ErrMandatoryOptionRejected is returned when the peer refuses a required option
	ErrMandatoryOptionRejected = errors.New("mandatory option rejected by peer")

	// ErrPeerTerminated is returned when the peer sends Terminate-Request
	ErrPeerTerminated = errors.New("peer terminated the protocol")

	// ErrTransport is returned when the link refuses an outbound frame
	ErrTransport = errors.New("transport failure")

	// ErrKilled is returned by operations on a session that was already killed
	ErrKilled = errors.New("session killed")
)
