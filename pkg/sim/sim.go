package sim

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/codelaboratoryltd/sstpc/pkg/ppp"
	"go.uber.org/zap"
)

// Config describes both ends of a simulated negotiation
type Config struct {
	Client       ppp.IPCPConfig
	Server       ppp.IPCPConfig
	ClientToPeer LinkConfig
	PeerToClient LinkConfig
}

// ServerConfig returns the IPCP configuration of an access server that pins
// its own address and hands out clientIP and dns
func ServerConfig(serverIP, clientIP, dns net.IP) ppp.IPCPConfig {
	config := ppp.DefaultIPCPConfig()
	config.LocalIP = serverIP
	config.LocalIPFixed = true
	config.PeerIP = clientIP
	config.AssignDNS = dns
	config.RequestDNS = false
	if dns == nil {
		config.DisableDNS = true
	}
	return config
}

// DefaultConfig returns a lossless client/server pair
func DefaultConfig() Config {
	return Config{
		Client: ppp.DefaultIPCPConfig(),
		Server: ServerConfig(
			net.ParseIP("10.0.0.1"),
			net.ParseIP("10.0.0.100"),
			net.ParseIP("10.0.0.53"),
		),
	}
}

// Hooks instrument the client side of a simulation. Nil fields are ignored.
type Hooks struct {
	Reporter      ppp.Reporter
	Observer      ppp.Observer
	OnStateChange func(oldState, newState ppp.State)
	OnKill        func(err error)
}

// Result is the outcome of a simulation that opened on both ends
type Result struct {
	Client      ppp.IPCPNegotiatedOptions
	Server      ppp.IPCPNegotiatedOptions
	ClientStats LinkStats
	ServerStats LinkStats
	SessionID   string
	Duration    time.Duration
}

// Run negotiates IPCP between a client and a simulated access server and
// returns once both ends are Opened, either session is killed, or ctx ends.
func Run(ctx context.Context, config Config, hooks Hooks, logger *zap.Logger) (*Result, error) {
	clientLogger := logger.Named("client")
	serverLogger := logger.Named("server")

	clientReporter := ppp.Reporter(ppp.NewLogReporter(clientLogger))
	if hooks.Reporter != nil {
		clientReporter = ppp.MultiReporter{clientReporter, hooks.Reporter}
	}

	clientSession := ppp.NewSession(clientLogger)
	serverSession := ppp.NewSession(serverLogger)
	if hooks.OnKill != nil {
		clientSession.SetOnKill(hooks.OnKill)
	}

	client := ppp.NewIPCP(config.Client, clientSession, clientReporter, clientSession.Logger())
	server := ppp.NewIPCP(config.Server, serverSession, ppp.NewLogReporter(serverLogger), serverSession.Logger())

	clientLink := NewLink("client", config.ClientToPeer, logger)
	serverLink := NewLink("server", config.PeerToClient, logger)

	clientRunner := ppp.NewRunner(client.Automaton, clientSession, clientLink, config.Client.RestartTimer, clientSession.Logger())
	serverRunner := ppp.NewRunner(server.Automaton, serverSession, serverLink, config.Server.RestartTimer, serverSession.Logger())
	if hooks.Observer != nil {
		clientRunner.SetObserver(hooks.Observer)
	}
	if hooks.OnStateChange != nil {
		clientRunner.SetOnStateChange(hooks.OnStateChange)
	}

	clientLink.Connect(serverRunner)
	serverLink.Connect(clientRunner)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{}, 2)
	for _, r := range []*ppp.Runner{clientRunner, serverRunner} {
		go func(r *ppp.Runner) {
			_ = r.Run(runCtx)
			done <- struct{}{}
		}(r)
	}
	stop := func() {
		cancel()
		<-done
		<-done
	}

	start := time.Now()
	clientOpened, serverOpened := clientRunner.Opened(), serverRunner.Opened()
	for clientOpened != nil || serverOpened != nil {
		select {
		case <-clientOpened:
			clientOpened = nil
		case <-serverOpened:
			serverOpened = nil
		case <-clientSession.Done():
			stop()
			return nil, fmt.Errorf("client: %w", clientSession.Err())
		case <-serverSession.Done():
			stop()
			return nil, fmt.Errorf("server: %w", serverSession.Err())
		case <-ctx.Done():
			stop()
			return nil, ctx.Err()
		}
	}
	duration := time.Since(start)

	// The automata are only read once both runners have returned
	stop()

	return &Result{
		Client:      client.Negotiated(),
		Server:      server.Negotiated(),
		ClientStats: clientLink.Stats(),
		ServerStats: serverLink.Stats(),
		SessionID:   clientSession.ID,
		Duration:    duration,
	}, nil
}
