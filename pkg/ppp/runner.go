package ppp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Link hands serialized control frames to the tunnel transport. Delivery
// is fire-and-forget; retransmission covers loss.
type Link interface {
	AddControlUnit(protocol uint16, data []byte) error
}

// Direction of an observed frame
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Negotiation results reported to an Observer
const (
	ResultOpened = "opened"
	ResultFailed = "failed"
)

// Observer receives negotiation events for instrumentation
type Observer interface {
	ObserveNegotiationStart(protocol string)
	ObserveFrame(protocol string, direction Direction, code Code)
	ObserveStateChange(protocol string, from, to State)
	ObserveNegotiation(protocol string, result string, duration time.Duration)
}

const inboundQueueSize = 64

// Runner drives an Automaton. Inbound frames, timer expiry and
// cancellation are handled one at a time on the goroutine calling Run.
type Runner struct {
	automaton *Automaton
	session   *Session
	link      Link
	timer     *RetransmissionTimer

	inbound  chan []byte
	incoming bytes.Buffer

	state      State
	started    time.Time
	finished   bool
	opened     chan struct{}
	openedOnce sync.Once

	onStateChange func(oldState, newState State)
	observer      Observer

	logger *zap.Logger
}

// NewRunner creates a runner for automaton sending through link
func NewRunner(automaton *Automaton, session *Session, link Link, restartTimer time.Duration, logger *zap.Logger) *Runner {
	if restartTimer <= 0 {
		restartTimer = 3 * time.Second
	}

	return &Runner{
		automaton: automaton,
		session:   session,
		link:      link,
		timer:     NewRetransmissionTimer(restartTimer),
		inbound:   make(chan []byte, inboundQueueSize),
		state:     automaton.State(),
		opened:    make(chan struct{}),
		logger:    logger.With(zap.String("protocol", automaton.Name())),
	}
}

// SetOnStateChange sets the state change callback. Must be called before Run.
func (r *Runner) SetOnStateChange(callback func(State, State)) {
	r.onStateChange = callback
}

// SetObserver sets the instrumentation observer. Must be called before Run.
func (r *Runner) SetObserver(observer Observer) {
	r.observer = observer
}

// Opened returns a channel closed when the automaton reaches Opened
func (r *Runner) Opened() <-chan struct{} {
	return r.opened
}

// Deliver queues an inbound PPP payload for this protocol. It never blocks;
// the payload is dropped when the queue is full or the session is dead.
func (r *Runner) Deliver(payload []byte) bool {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	select {
	case <-r.session.Done():
		return false
	default:
	}

	select {
	case r.inbound <- buf:
		return true
	default:
		r.logger.Warn("Inbound queue full, dropping frame", zap.Int("length", len(payload)))
		return false
	}
}

// Run starts negotiation and processes events until ctx is cancelled or the
// session is killed. It keeps running after Opened so that late frames are
// still policed.
func (r *Runner) Run(ctx context.Context) error {
	r.started = time.Now()
	defer r.timer.Stop()

	if r.observer != nil {
		r.observer.ObserveNegotiationStart(r.automaton.Name())
	}

	if !r.apply(r.automaton.Start()) {
		return r.session.Err()
	}

	for {
		select {
		case <-ctx.Done():
			r.automaton.Abort()
			return ctx.Err()

		case <-r.session.Done():
			r.automaton.Abort()
			return r.session.Err()

		case payload := <-r.inbound:
			if !r.handlePayload(payload) {
				return r.session.Err()
			}

		case <-r.timer.C():
			r.timer.Fired()
			if !r.apply(r.automaton.Timeout()) {
				return r.session.Err()
			}
		}
	}
}

func (r *Runner) handlePayload(payload []byte) bool {
	r.incoming.Write(payload)
	frame, err := ReadFrame(&r.incoming)
	// Octets past the frame length are padding
	r.incoming.Reset()

	if err != nil {
		var code Code
		var perr *ParseError
		if errors.As(err, &perr) {
			code = perr.Code
		}
		return r.apply(r.automaton.ParseFailure(code, err))
	}

	r.observeFrame(DirectionIn, frame.Code)
	return r.apply(r.automaton.Receive(frame))
}

// apply carries out an Outcome and reports whether the session is alive
func (r *Runner) apply(out Outcome) bool {
	if out.Send != nil {
		if err := r.link.AddControlUnit(r.automaton.Protocol(), out.Send.Serialize()); err != nil {
			r.automaton.Abort()
			r.finish(ResultFailed)
			r.session.Kill(fmt.Errorf("%s send %s: %w: %w", r.automaton.Name(), out.Send.Code, ErrTransport, err))
			return false
		}
		r.observeFrame(DirectionOut, out.Send.Code)
	}

	if out.StopTimer {
		if r.timer.Armed() {
			r.logger.Debug("Restart timer stopped")
		}
		r.timer.Stop()
	} else if out.ResetTimer {
		r.timer.Reset()
		r.logger.Debug("Restart timer armed", zap.Time("deadline", r.timer.Deadline()))
	}

	if out.State != r.state {
		oldState := r.state
		r.state = out.State

		if r.onStateChange != nil {
			r.onStateChange(oldState, out.State)
		}
		if r.observer != nil {
			r.observer.ObserveStateChange(r.automaton.Name(), oldState, out.State)
		}

		if out.State == StateOpened {
			r.finish(ResultOpened)
			r.openedOnce.Do(func() { close(r.opened) })
		}
	}

	if out.Err != nil {
		r.finish(ResultFailed)
		r.session.Kill(out.Err)
		return false
	}

	return true
}

func (r *Runner) finish(result string) {
	if r.finished {
		return
	}
	r.finished = true

	duration := time.Since(r.started)
	r.logger.Info("Negotiation finished",
		zap.String("result", result),
		zap.Duration("duration", duration),
	)
	if r.observer != nil {
		r.observer.ObserveNegotiation(r.automaton.Name(), result, duration)
	}
}

func (r *Runner) observeFrame(direction Direction, code Code) {
	if r.observer != nil {
		r.observer.ObserveFrame(r.automaton.Name(), direction, code)
	}
}
