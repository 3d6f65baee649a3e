package ppp_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/sstpc/pkg/ppp"
)

// recordingLink captures outbound frames
type recordingLink struct {
	mu       sync.Mutex
	frames   []*ppp.Frame
	protocol uint16
	err      error
}

func (l *recordingLink) AddControlUnit(protocol uint16, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	f, err := ppp.ParseFrame(data)
	if err != nil {
		return err
	}
	l.protocol = protocol
	l.frames = append(l.frames, f)
	return nil
}

func (l *recordingLink) Frames() []*ppp.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*ppp.Frame(nil), l.frames...)
}

func (l *recordingLink) Protocol() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.protocol
}

func (l *recordingLink) Last() *ppp.Frame {
	frames := l.Frames()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

// recordingObserver captures runner events
type recordingObserver struct {
	mu          sync.Mutex
	starts      int
	frames      map[ppp.Direction]int
	transitions []ppp.State
	results     []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{frames: make(map[ppp.Direction]int)}
}

func (o *recordingObserver) ObserveNegotiationStart(protocol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
}

func (o *recordingObserver) Starts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.starts
}

func (o *recordingObserver) ObserveFrame(protocol string, direction ppp.Direction, code ppp.Code) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames[direction]++
}

func (o *recordingObserver) ObserveStateChange(protocol string, from, to ppp.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, to)
}

func (o *recordingObserver) ObserveNegotiation(protocol string, result string, duration time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func (o *recordingObserver) Results() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.results...)
}

func (o *recordingObserver) Transitions() []ppp.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ppp.State(nil), o.transitions...)
}

var _ = Describe("Runner", func() {
	var (
		session  *ppp.Session
		ipcp     *ppp.IPCP
		link     *recordingLink
		observer *recordingObserver
		runner   *ppp.Runner
		logger   *zap.Logger
		ctx      context.Context
		cancel   context.CancelFunc
		errCh    chan error
	)

	start := func() {
		go func() {
			errCh <- runner.Run(ctx)
		}()
	}

	build := func(config ppp.IPCPConfig) {
		session = ppp.NewSession(logger)
		ipcp = ppp.NewIPCP(config, session, ppp.NewLogReporter(logger), logger)
		runner = ppp.NewRunner(ipcp.Automaton, session, link, config.RestartTimer, logger)
		runner.SetObserver(observer)
	}

	BeforeEach(func() {
		logger, _ = zap.NewDevelopment()
		link = &recordingLink{}
		observer = newRecordingObserver()
		errCh = make(chan error, 1)
		ctx, cancel = context.WithCancel(context.Background())

		config := ppp.DefaultIPCPConfig()
		config.MaxConfigure = 3
		config.RestartTimer = time.Hour
		build(config)
	})

	AfterEach(func() {
		cancel()
	})

	It("should send the initial request on the IPCP protocol", func() {
		start()

		Eventually(link.Frames).Should(HaveLen(1))
		Expect(link.Last().Code).To(Equal(ppp.CodeConfigureRequest))
		Expect(link.Protocol()).To(Equal(uint16(ppp.ProtocolIPCP)))
	})

	It("should open and keep running until cancelled", func() {
		var states []ppp.State
		var statesMu sync.Mutex
		runner.SetOnStateChange(func(oldState, newState ppp.State) {
			statesMu.Lock()
			defer statesMu.Unlock()
			states = append(states, newState)
		})
		start()

		Eventually(link.Frames).Should(HaveLen(1))
		req := link.Last()

		Expect(runner.Deliver(reply(ppp.CodeConfigureRequest, 1, ipOpt("10.0.0.1")).Serialize())).To(BeTrue())
		Expect(runner.Deliver(ackOf(req).Serialize())).To(BeTrue())

		Eventually(runner.Opened()).Should(BeClosed())
		Consistently(errCh, 50*time.Millisecond).ShouldNot(Receive())

		cancel()
		Eventually(errCh).Should(Receive(MatchError(context.Canceled)))
		Expect(session.IsKilled()).To(BeFalse())

		statesMu.Lock()
		Expect(states).To(Equal([]ppp.State{ppp.StateReqSent, ppp.StateAckSent, ppp.StateOpened}))
		statesMu.Unlock()

		Expect(observer.Results()).To(Equal([]string{ppp.ResultOpened}))
		Expect(observer.Starts()).To(Equal(1))
		Expect(observer.Transitions()).To(HaveLen(3))
		Expect(ipcp.Negotiated().PeerIP.String()).To(Equal("10.0.0.1"))
	})

	It("should ignore padding after the frame", func() {
		start()
		Eventually(link.Frames).Should(HaveLen(1))

		padded := append(reply(ppp.CodeConfigureRequest, 1, ipOpt("10.0.0.1")).Serialize(), 0, 0, 0, 0)
		runner.Deliver(padded)

		Eventually(link.Frames).Should(HaveLen(2))
		Expect(link.Last().Code).To(Equal(ppp.CodeConfigureAck))
	})

	It("should retransmit on timeout and fail when the counter is exhausted", func() {
		config := ppp.DefaultIPCPConfig()
		config.MaxConfigure = 3
		config.RestartTimer = 10 * time.Millisecond
		build(config)
		start()

		var err error
		Eventually(errCh).Should(Receive(&err))
		Expect(errors.Is(err, ppp.ErrCounterExhausted)).To(BeTrue())
		Expect(session.IsKilled()).To(BeTrue())
		Expect(errors.Is(session.Err(), ppp.ErrCounterExhausted)).To(BeTrue())

		frames := link.Frames()
		Expect(frames).To(HaveLen(3))
		for i, f := range frames {
			Expect(f.Code).To(Equal(ppp.CodeConfigureRequest))
			Expect(f.Identifier).To(Equal(uint8(i + 1)))
		}
		Expect(observer.Results()).To(Equal([]string{ppp.ResultFailed}))
	})

	It("should kill the session on a malformed frame", func() {
		start()
		Eventually(link.Frames).Should(HaveLen(1))

		runner.Deliver([]byte{0x02, 0x01, 0x00, 0x09, 0x03})

		var err error
		Eventually(errCh).Should(Receive(&err))
		var perr *ppp.ParseError
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Code).To(Equal(ppp.CodeConfigureAck))
	})

	It("should send the Terminate-Ack before failing", func() {
		start()
		Eventually(link.Frames).Should(HaveLen(1))

		runner.Deliver((&ppp.Frame{Code: ppp.CodeTerminateRequest, Identifier: 6}).Serialize())

		var err error
		Eventually(errCh).Should(Receive(&err))
		Expect(errors.Is(err, ppp.ErrPeerTerminated)).To(BeTrue())
		Expect(link.Last().Code).To(Equal(ppp.CodeTerminateAck))
		Expect(link.Last().Identifier).To(Equal(uint8(6)))
	})

	It("should kill the session when the link fails", func() {
		link.err = errors.New("tunnel closed")
		start()

		var err error
		Eventually(errCh).Should(Receive(&err))
		Expect(errors.Is(err, ppp.ErrTransport)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("tunnel closed"))

		Expect(observer.Starts()).To(Equal(1))
		Expect(observer.Results()).To(Equal([]string{ppp.ResultFailed}))
		Expect(observer.Transitions()).To(BeEmpty())
	})

	It("should stop when the session is killed elsewhere", func() {
		start()
		Eventually(link.Frames).Should(HaveLen(1))

		cause := errors.New("lcp down")
		session.Kill(cause)

		Eventually(errCh).Should(Receive(MatchError(cause)))
		Expect(runner.Deliver(reply(ppp.CodeConfigureAck, 1).Serialize())).To(BeFalse())
	})

	It("should not report a failure after opening", func() {
		start()
		Eventually(link.Frames).Should(HaveLen(1))
		req := link.Last()

		runner.Deliver(ackOf(req).Serialize())
		runner.Deliver(reply(ppp.CodeConfigureRequest, 1, ipOpt("10.0.0.1")).Serialize())
		Eventually(runner.Opened()).Should(BeClosed())

		// A late request is illegal once opened
		runner.Deliver(reply(ppp.CodeConfigureRequest, 2, &ppp.IPAddressOption{Addr: net.ParseIP("10.0.0.1")}).Serialize())

		var err error
		Eventually(errCh).Should(Receive(&err))
		Expect(errors.Is(err, ppp.ErrInvalidUnit)).To(BeTrue())
		Expect(observer.Results()).To(Equal([]string{ppp.ResultOpened}))
	})
})
