package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codelaboratoryltd/sstpc/pkg/metrics"
	"github.com/codelaboratoryltd/sstpc/pkg/netif"
	"github.com/codelaboratoryltd/sstpc/pkg/ppp"
	"github.com/codelaboratoryltd/sstpc/pkg/sim"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sstpc",
	Short: "PPP network control phase for SSTP tunnels",
	Long: `sstpc - IPCP negotiation engine for PPP sessions carried over SSTP.

Negotiates the tunnel interface address and DNS server with the access
server before the tunnel is declared usable.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Negotiate IPCP against an in-process access server",
	RunE:  runSimulate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

var (
	configFile  string
	logLevel    string
	metricsAddr string
	timeout     time.Duration

	// Client IPCP configuration
	localIP      string
	localIPFixed bool
	primaryDNS   string
	requestDNS   bool
	maxConfigure int
	restartTimer time.Duration

	// Simulated access server
	serverIP        string
	assignIP        string
	assignDNS       string
	serverRejectDNS bool

	// Simulated link
	loss      float64
	dropFirst int
	seed      int64

	// Interface configuration
	applyInterface string
)

func init() {
	simulateCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/sstpc/config.yaml",
		"Configuration file path")
	simulateCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	simulateCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Address to serve Prometheus metrics on (disabled when empty)")
	simulateCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second,
		"Overall negotiation deadline")

	defaults := ppp.DefaultIPCPConfig()
	simulateCmd.Flags().StringVar(&localIP, "local-ip", "",
		"Address to request (empty asks the server for one)")
	simulateCmd.Flags().BoolVar(&localIPFixed, "local-ip-fixed", false,
		"Never accept an address other than --local-ip")
	simulateCmd.Flags().StringVar(&primaryDNS, "dns", "",
		"DNS server to request (empty asks the server for one)")
	simulateCmd.Flags().BoolVar(&requestDNS, "request-dns", defaults.RequestDNS,
		"Negotiate the Primary-DNS option")
	simulateCmd.Flags().IntVar(&maxConfigure, "max-configure", defaults.MaxConfigure,
		"Maximum Configure-Requests without progress")
	simulateCmd.Flags().DurationVar(&restartTimer, "restart-timer", defaults.RestartTimer,
		"Configure-Request retransmission timeout")

	simulateCmd.Flags().StringVar(&serverIP, "server-ip", "10.0.0.1",
		"Address of the simulated access server")
	simulateCmd.Flags().StringVar(&assignIP, "assign-ip", "10.0.0.100",
		"Address the simulated server assigns to the client")
	simulateCmd.Flags().StringVar(&assignDNS, "assign-dns", "10.0.0.53",
		"DNS server the simulated server assigns to the client")
	simulateCmd.Flags().BoolVar(&serverRejectDNS, "server-reject-dns", false,
		"Simulated server rejects the Primary-DNS option")

	simulateCmd.Flags().Float64Var(&loss, "loss", 0,
		"Probability of dropping each frame client to server (0-1)")
	simulateCmd.Flags().IntVar(&dropFirst, "drop-first", 0,
		"Drop the first N client frames")
	simulateCmd.Flags().Int64Var(&seed, "seed", 1,
		"Seed for the loss generator")

	simulateCmd.Flags().StringVar(&applyInterface, "apply-interface", "",
		"Assign the negotiated address to this interface (Linux, needs CAP_NET_ADMIN)")

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	// Initialize logger
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// Load config file before consuming flag values.
	// CLI flags that were explicitly set take precedence.
	flagLevel := logLevel
	if err := loadConfigFile(cmd, logger); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if logLevel != flagLevel {
		if logger, err = initLogger(logLevel); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	config, err := buildSimConfig()
	if err != nil {
		return err
	}

	logger.Info("Starting simulated negotiation",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("max_configure", config.Client.MaxConfigure),
		zap.Duration("restart_timer", config.Client.RestartTimer),
		zap.Float64("loss", loss),
	)

	// Create context with cancellation
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	m := metrics.New(logger)
	if err := m.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if metricsAddr != "" {
		srv := startMetricsServer(metricsAddr, m, logger)
		defer srv.Close()
	}

	hooks := sim.Hooks{
		Reporter: m,
		Observer: m,
		OnStateChange: func(oldState, newState ppp.State) {
			logger.Debug("Client IPCP state change",
				zap.String("from", oldState.String()),
				zap.String("to", newState.String()),
			)
		},
		OnKill: func(err error) {
			m.RecordSessionKilled()
		},
	}

	result, err := sim.Run(ctx, config, hooks, logger)
	if err != nil {
		return fmt.Errorf("negotiation failed: %w", err)
	}

	logger.Info("IPCP opened",
		zap.String("session_id", result.SessionID),
		zap.String("local_ip", result.Client.LocalIP.String()),
		zap.String("peer_ip", result.Client.PeerIP.String()),
		zap.String("primary_dns", ipString(result.Client.PrimaryDNS)),
		zap.Bool("dns_rejected", result.Client.DNSRejected),
		zap.Duration("duration", result.Duration),
		zap.Int("client_frames_sent", result.ClientStats.Sent),
		zap.Int("client_frames_dropped", result.ClientStats.Dropped),
	)

	if applyInterface != "" {
		err := applyNegotiated(applyInterface, result.Client, logger)
		m.RecordInterfaceApplied(err)
		if err != nil {
			return fmt.Errorf("failed to configure %s: %w", applyInterface, err)
		}
	}

	fmt.Printf("local %s peer %s dns %s\n",
		result.Client.LocalIP, result.Client.PeerIP, ipString(result.Client.PrimaryDNS))
	return nil
}

func buildSimConfig() (sim.Config, error) {
	client := ppp.DefaultIPCPConfig()
	client.LocalIPFixed = localIPFixed
	client.RequestDNS = requestDNS
	client.MaxConfigure = maxConfigure
	client.RestartTimer = restartTimer

	var err error
	if client.LocalIP, err = parseOptionalIP("local-ip", localIP); err != nil {
		return sim.Config{}, err
	}
	if client.PrimaryDNS, err = parseOptionalIP("dns", primaryDNS); err != nil {
		return sim.Config{}, err
	}
	if localIPFixed && client.LocalIP == nil {
		return sim.Config{}, errors.New("--local-ip-fixed requires --local-ip")
	}

	srvIP, err := parseOptionalIP("server-ip", serverIP)
	if err != nil {
		return sim.Config{}, err
	}
	peerIP, err := parseOptionalIP("assign-ip", assignIP)
	if err != nil {
		return sim.Config{}, err
	}
	dnsIP, err := parseOptionalIP("assign-dns", assignDNS)
	if err != nil {
		return sim.Config{}, err
	}
	if serverRejectDNS {
		dnsIP = nil
	}

	server := sim.ServerConfig(srvIP, peerIP, dnsIP)
	server.RestartTimer = restartTimer

	if loss < 0 || loss > 1 {
		return sim.Config{}, fmt.Errorf("--loss must be between 0 and 1, got %v", loss)
	}

	return sim.Config{
		Client: client,
		Server: server,
		ClientToPeer: sim.LinkConfig{
			Loss:      loss,
			DropFirst: dropFirst,
			Seed:      seed,
		},
	}, nil
}

func applyNegotiated(ifname string, opts ppp.IPCPNegotiatedOptions, logger *zap.Logger) error {
	configurator, err := netif.NewConfigurator(logger)
	if err != nil {
		return err
	}
	defer configurator.Close()

	return configurator.Apply(ifname, opts)
}

func startMetricsServer(addr string, m *metrics.Metrics, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return srv
}

func parseOptionalIP(flag, value string) (net.IP, error) {
	if value == "" {
		return nil, nil
	}
	ip := net.ParseIP(value)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("--%s: invalid IPv4 address %q", flag, value)
	}
	return ip.To4(), nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return "none"
	}
	return ip.String()
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}

// loadConfigFile reads a YAML config file and applies values to unset flags.
// CLI flags take precedence over config file values.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg map[string]string
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	logger.Info("Loaded config file", zap.String("path", configFile), zap.Int("keys", len(cfg)))

	for key, val := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if err := cmd.Flags().Set(key, val); err != nil {
			logger.Warn("Failed to set config value",
				zap.String("key", key),
				zap.String("value", val),
				zap.Error(err),
			)
		}
	}

	return nil
}
