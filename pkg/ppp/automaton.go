// Package ppp implements the PPP network control phase of an SSTP client.
// This file implements the NCP negotiation automaton per RFC 1661, shared by
// every control protocol that negotiates Configure-* options.
package ppp

import (
	"fmt"

	"go.uber.org/zap"
)

// State represents the negotiation automaton state
type State int

const (
	StateInitial State = iota // No Configure-Request sent yet
	StateReqSent              // Configure-Request sent
	StateAckRcvd              // Configure-Request sent, Configure-Ack received
	StateAckSent              // Configure-Request and Configure-Ack sent
	StateOpened               // Both sides acknowledged
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateReqSent:
		return "Req-Sent"
	case StateAckRcvd:
		return "Ack-Rcvd"
	case StateAckSent:
		return "Ack-Sent"
	case StateOpened:
		return "Opened"
	default:
		return "Unknown"
	}
}

// Outcome is what the automaton asks its driver to do after an event.
// Send is transmitted before Err is acted upon.
type Outcome struct {
	Send       *Frame
	ResetTimer bool
	StopTimer  bool
	State      State
	Err        error // Non-nil kills the session
}

// AutomatonConfig holds the protocol-specific parameters of an automaton
type AutomatonConfig struct {
	Protocol     uint16 // PPP protocol number of the frames
	Name         string // Protocol name for logs and diagnostics
	MaxConfigure int    // Configure-Requests allowed without progress
}

// Automaton is the NCP state machine. It performs no I/O: every event
// returns an Outcome and the caller transmits frames and drives the timer.
// It is not safe for concurrent use.
type Automaton struct {
	protocol    uint16
	name        string
	state       State
	negotiators []OptionNegotiator

	counter     *RetryCounter
	identifier  *Identifier
	outstanding bool  // A Configure-Request was sent
	requestID   uint8 // Identifier of the last Configure-Request
	lastRequest *Frame
	peerOptions []Option // Options of the last peer request we acked

	dead bool

	reporter Reporter
	logger   *zap.Logger
}

// NewAutomaton creates an automaton negotiating the given options in order.
// identifier is shared with the other control protocols of the session.
func NewAutomaton(config AutomatonConfig, identifier *Identifier, negotiators []OptionNegotiator, reporter Reporter, logger *zap.Logger) *Automaton {
	if config.MaxConfigure <= 0 {
		config.MaxConfigure = 10
	}

	return &Automaton{
		protocol:    config.Protocol,
		name:        config.Name,
		state:       StateInitial,
		negotiators: negotiators,
		counter:     NewRetryCounter(config.MaxConfigure),
		identifier:  identifier,
		reporter:    reporter,
		logger:      logger.With(zap.String("protocol", config.Name)),
	}
}

// Protocol returns the PPP protocol number
func (a *Automaton) Protocol() uint16 {
	return a.protocol
}

// Name returns the protocol name
func (a *Automaton) Name() string {
	return a.name
}

// State returns the current state
func (a *Automaton) State() State {
	return a.state
}

// Counter returns the retry counter
func (a *Automaton) Counter() *RetryCounter {
	return a.counter
}

// RequestIdentifier returns the identifier of the last Configure-Request
func (a *Automaton) RequestIdentifier() uint8 {
	return a.requestID
}

// LastRequest returns the last Configure-Request sent, nil before Start
func (a *Automaton) LastRequest() *Frame {
	return a.lastRequest
}

// PeerOptions returns the options of the last peer request we acknowledged
func (a *Automaton) PeerOptions() []Option {
	return a.peerOptions
}

// IsDead returns true after a fatal outcome or Abort
func (a *Automaton) IsDead() bool {
	return a.dead
}

// Abort stops the automaton; every later event is a no-op
func (a *Automaton) Abort() {
	a.dead = true
}

func (a *Automaton) setState(newState State) {
	if newState == a.state {
		return
	}
	oldState := a.state
	a.state = newState

	a.logger.Debug("State change",
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
}

func (a *Automaton) negotiator(t OptionType) OptionNegotiator {
	for _, n := range a.negotiators {
		if n.Type() == t {
			return n
		}
	}
	return nil
}

func (a *Automaton) finish(out Outcome) Outcome {
	out.State = a.state
	return out
}

func (a *Automaton) fatal(out Outcome, err error) Outcome {
	a.dead = true
	out.Err = err
	out.ResetTimer = false
	out.StopTimer = true
	return a.finish(out)
}

func (a *Automaton) invalidUnit(operation string, f *Frame) Outcome {
	a.reporter.InformInvalidUnit(a.name, operation, f.Code, a.state)
	return a.fatal(Outcome{}, fmt.Errorf("%s %s in %s: %w", a.name, f.Code, a.state, ErrInvalidUnit))
}

// Start sends the initial Configure-Request
func (a *Automaton) Start() Outcome {
	if a.dead {
		return a.finish(Outcome{})
	}
	return a.sendRequestThen("start", StateReqSent)
}

// Timeout handles expiry of the retransmission timer
func (a *Automaton) Timeout() Outcome {
	if a.dead {
		return a.finish(Outcome{})
	}

	switch a.state {
	case StateReqSent, StateAckSent:
		a.logger.Debug("Restart timer expired, retransmitting",
			zap.Int("remaining", a.counter.Remaining()),
		)
		return a.sendRequestThen("timeout", a.state)
	case StateAckRcvd:
		return a.sendRequestThen("timeout", StateReqSent)
	default:
		return a.finish(Outcome{StopTimer: true})
	}
}

// ParseFailure reports an inbound frame that could not be parsed
func (a *Automaton) ParseFailure(code Code, err error) Outcome {
	if a.dead {
		return a.finish(Outcome{})
	}
	a.reporter.InformDataUnitParsingError(a.name, code, err)
	return a.fatal(Outcome{}, fmt.Errorf("%s: %w", a.name, err))
}

// Receive handles one parsed inbound frame
func (a *Automaton) Receive(f *Frame) Outcome {
	if a.dead {
		return a.finish(Outcome{})
	}

	a.logger.Debug("Frame received",
		zap.String("code", f.Code.String()),
		zap.Uint8("identifier", f.Identifier),
		zap.String("state", a.state.String()),
	)

	switch f.Code {
	case CodeConfigureRequest:
		return a.receiveConfigureRequest(f)
	case CodeConfigureAck:
		return a.receiveConfigureAck(f)
	case CodeConfigureNak:
		return a.receiveConfigureNak(f)
	case CodeConfigureReject:
		return a.receiveConfigureReject(f)
	case CodeTerminateRequest:
		return a.receiveTerminateRequest(f)
	case CodeTerminateAck, CodeCodeReject:
		a.logger.Debug("Ignoring frame", zap.String("code", f.Code.String()))
		return a.finish(Outcome{})
	default:
		return a.sendCodeReject(f)
	}
}

// sendRequestThen sends a Configure-Request and moves to next
func (a *Automaton) sendRequestThen(operation string, next State) Outcome {
	req, err := a.buildConfigureRequest(operation)
	if err != nil {
		return a.fatal(Outcome{}, err)
	}
	a.setState(next)
	return a.finish(Outcome{Send: req, ResetTimer: true})
}

func (a *Automaton) buildConfigureRequest(operation string) (*Frame, error) {
	if a.counter.IsExhausted() {
		a.reporter.InformCounterExhausted(a.name, operation)
		return nil, fmt.Errorf("%s %s: %w", a.name, operation, ErrCounterExhausted)
	}
	a.counter.Consume()

	a.requestID = a.identifier.Next()
	a.outstanding = true

	var opts []Option
	for _, n := range a.negotiators {
		if n.Wanted() {
			opts = append(opts, n.Create())
		}
	}

	req := &Frame{
		Code:       CodeConfigureRequest,
		Identifier: a.requestID,
		Options:    opts,
	}
	a.lastRequest = req

	a.logger.Debug("Sending Configure-Request",
		zap.Uint8("identifier", req.Identifier),
		zap.Int("options", len(opts)),
		zap.Int("remaining", a.counter.Remaining()),
	)

	return req, nil
}

// matches reports whether a reply answers the outstanding request
func (a *Automaton) matches(f *Frame) bool {
	if !a.outstanding || f.Identifier != a.requestID {
		a.logger.Debug("Discarding stale reply",
			zap.String("code", f.Code.String()),
			zap.Uint8("identifier", f.Identifier),
			zap.Uint8("expected", a.requestID),
		)
		return false
	}
	return true
}

// receiveConfigureRequest answers a peer request with exactly one of
// Configure-Ack, Configure-Nak or Configure-Reject
func (a *Automaton) receiveConfigureRequest(f *Frame) Outcome {
	if a.state == StateOpened {
		return a.invalidUnit("receiveConfigureRequest", f)
	}

	var unknown []Option
	for _, opt := range f.Options {
		if _, ok := opt.(*UnknownOption); ok || a.negotiator(opt.Type()) == nil {
			unknown = append(unknown, opt)
		}
	}

	if len(unknown) > 0 {
		rej := &Frame{
			Code:       CodeConfigureReject,
			Identifier: f.Identifier,
			Options:    unknown,
		}
		if a.state == StateAckSent || a.state == StateAckRcvd {
			a.setState(StateReqSent)
		}
		return a.finish(Outcome{Send: rej})
	}

	var nak []Option
	for _, opt := range f.Options {
		n := a.negotiator(opt.Type())
		if !n.CompromiseReq(opt) {
			nak = append(nak, n.Suggest(opt))
		}
	}

	if len(nak) > 0 {
		resp := &Frame{
			Code:       CodeConfigureNak,
			Identifier: f.Identifier,
			Options:    nak,
		}
		if a.state == StateAckSent || a.state == StateAckRcvd {
			a.setState(StateReqSent)
		}
		return a.finish(Outcome{Send: resp})
	}

	acked := make([]Option, len(f.Options))
	copy(acked, f.Options)
	a.peerOptions = acked

	ack := &Frame{
		Code:       CodeConfigureAck,
		Identifier: f.Identifier,
		Options:    acked,
	}

	out := Outcome{Send: ack}
	switch a.state {
	case StateReqSent:
		a.setState(StateAckSent)
	case StateAckRcvd:
		a.setState(StateOpened)
		out.StopTimer = true
		a.logger.Info("Negotiation opened")
	}
	return a.finish(out)
}

func (a *Automaton) receiveConfigureAck(f *Frame) Outcome {
	if !a.matches(f) {
		return a.finish(Outcome{})
	}

	if a.state != StateOpened && !sameOptions(f.Options, a.lastRequest.Options) {
		a.logger.Debug("Discarding Configure-Ack not matching request",
			zap.Uint8("identifier", f.Identifier),
		)
		return a.finish(Outcome{})
	}

	switch a.state {
	case StateReqSent:
		a.counter.Reset()
		a.setState(StateAckRcvd)
		return a.finish(Outcome{})
	case StateAckRcvd:
		return a.sendRequestThen("receiveConfigureAck", StateReqSent)
	case StateAckSent:
		a.counter.Reset()
		a.setState(StateOpened)
		a.logger.Info("Negotiation opened")
		return a.finish(Outcome{StopTimer: true})
	case StateOpened:
		return a.invalidUnit("receiveConfigureAck", f)
	default:
		return a.finish(Outcome{})
	}
}

func (a *Automaton) receiveConfigureNak(f *Frame) Outcome {
	if !a.matches(f) {
		return a.finish(Outcome{})
	}

	if a.state == StateOpened {
		return a.invalidUnit("receiveConfigureNak", f)
	}

	for _, opt := range f.Options {
		n := a.negotiator(opt.Type())
		if n == nil || n.IsRejected() {
			continue
		}
		n.CompromiseNak(opt)
	}

	next := a.state
	if next == StateAckRcvd {
		next = StateReqSent
	}
	return a.sendRequestThen("receiveConfigureNak", next)
}

// receiveConfigureReject acts on a Reject whatever its identifier. Only a
// Reject that drops an option we still propose counts as progress.
func (a *Automaton) receiveConfigureReject(f *Frame) Outcome {
	if a.state == StateOpened {
		return a.invalidUnit("receiveConfigureReject", f)
	}

	for _, opt := range f.Options {
		n := a.negotiator(opt.Type())
		if n != nil && n.Mandatory() {
			a.reporter.InformOptionRejected(a.name, n.Create())
			return a.fatal(Outcome{}, fmt.Errorf("%s %s: %w", a.name, opt.Type(), ErrMandatoryOptionRejected))
		}
	}

	progress := false
	for _, opt := range f.Options {
		n := a.negotiator(opt.Type())
		if n == nil || !n.Wanted() || !a.requested(opt.Type()) {
			continue
		}
		n.SetRejected()
		progress = true
		a.logger.Warn("Option rejected by peer",
			zap.String("option", opt.Type().String()),
		)
	}

	if progress {
		a.counter.Reset()
	}

	next := a.state
	if next == StateAckRcvd {
		next = StateReqSent
	}
	return a.sendRequestThen("receiveConfigureReject", next)
}

// requested reports whether the last Configure-Request carried option t
func (a *Automaton) requested(t OptionType) bool {
	if a.lastRequest == nil {
		return false
	}
	for _, opt := range a.lastRequest.Options {
		if opt.Type() == t {
			return true
		}
	}
	return false
}

func (a *Automaton) receiveTerminateRequest(f *Frame) Outcome {
	ack := &Frame{
		Code:       CodeTerminateAck,
		Identifier: f.Identifier,
	}
	a.logger.Info("Peer requested termination", zap.ByteString("reason", f.Data))
	return a.fatal(Outcome{Send: ack}, fmt.Errorf("%s: %w", a.name, ErrPeerTerminated))
}

// sendCodeReject answers a frame with an unsupported code (RFC 1661 Section 5.7)
func (a *Automaton) sendCodeReject(f *Frame) Outcome {
	rej := &Frame{
		Code:       CodeCodeReject,
		Identifier: a.identifier.Next(),
		Data:       f.Serialize(),
	}
	a.logger.Debug("Rejecting unsupported code", zap.String("code", f.Code.String()))
	return a.finish(Outcome{Send: rej})
}
