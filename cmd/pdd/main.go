package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/pdd/pkg/dhcpv6"
	"github.com/codelaboratoryltd/pdd/pkg/metrics"
	"github.com/codelaboratoryltd/pdd/pkg/radius"
	"github.com/codelaboratoryltd/pdd/pkg/routing"
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
	Use:   "pdd",
	Short: "DHCPv6 prefix delegation daemon",
	Long: `PDD - Hands out IPv6 prefixes to requesting routers over DHCPv6.

Each client DUID receives one prefix from a contiguous pool. Delegations
can optionally be routed via netlink and accounted to RADIUS.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the prefix delegation server",
	RunE:  runPDD,
}

var (
	// Server
	iface      string
	listenAddr string
	configFile string
	logLevel   string

	// Pool
	poolStart      string
	poolSize       uint64
	prefixLength   uint8
	allocationMode string

	// Metrics
	metricsAddr string

	// Routing
	routesEnabled  bool
	routeInterface string
	routeTable     int
	routeMetric    int
	routesWithdraw bool

	// RADIUS accounting
	radiusServers    string
	radiusSecret     string
	radiusSecretFile string
	radiusNASID      string
	radiusTimeout    time.Duration

	hookTimeout time.Duration
)

func init() {
	runCmd.Flags().StringVarP(&iface, "interface", "i", "eth1",
		"Interface requesting routers are attached to")
	runCmd.Flags().StringVar(&listenAddr, "listen", "[::]:547",
		"UDP address to listen on")
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/pdd/config.yaml",
		"Path to YAML config file (flags override file values)")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")

	runCmd.Flags().StringVar(&poolStart, "pool-start", "2001:db8::",
		"First address of the delegated prefix pool")
	runCmd.Flags().Uint64Var(&poolSize, "pool-size", 65536,
		"Number of prefixes in the pool")
	runCmd.Flags().Uint8Var(&prefixLength, "prefix-length", 56,
		"Length of each delegated prefix")
	runCmd.Flags().StringVar(&allocationMode, "allocation-mode", string(dhcpv6.ModeFreeList),
		"Allocation mode (sequential, freelist)")

	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics address")

	runCmd.Flags().BoolVar(&routesEnabled, "routes", false,
		"Install a kernel route for every delegated prefix")
	runCmd.Flags().StringVar(&routeInterface, "route-interface", "",
		"Interface for delegated prefix routes (default: zone of the requesting router)")
	runCmd.Flags().IntVar(&routeTable, "route-table", routing.MainTable,
		"Routing table for delegated prefix routes")
	runCmd.Flags().IntVar(&routeMetric, "route-metric", 0,
		"Metric for delegated prefix routes")
	runCmd.Flags().BoolVar(&routesWithdraw, "routes-withdraw-on-stop", false,
		"Remove delegated prefix routes on shutdown")

	runCmd.Flags().StringVar(&radiusServers, "radius-servers", "",
		"Comma-separated RADIUS accounting servers (host:port)")
	runCmd.Flags().StringVar(&radiusSecret, "radius-secret", "",
		"RADIUS shared secret (deprecated: use --radius-secret-file)")
	runCmd.Flags().StringVar(&radiusSecretFile, "radius-secret-file", "",
		"Path to file containing the RADIUS shared secret")
	runCmd.Flags().StringVar(&radiusNASID, "radius-nas-id", "pdd",
		"RADIUS NAS-Identifier")
	runCmd.Flags().DurationVar(&radiusTimeout, "radius-timeout", 3*time.Second,
		"RADIUS request timeout")

	runCmd.Flags().DurationVar(&hookTimeout, "hook-timeout", 2*time.Second,
		"Upper bound on routing and accounting work per delegation")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("PDD version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

func runPDD(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting PDD",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("interface", iface),
	)

	poolCfg, err := buildPoolConfig(poolStart, poolSize, prefixLength, allocationMode)
	if err != nil {
		return err
	}
	pool, err := dhcpv6.NewPrefixPool(poolCfg)
	if err != nil {
		return fmt.Errorf("failed to create prefix pool: %w", err)
	}

	laddr, err := net.ResolveUDPAddr("udp6", listenAddr)
	if err != nil {
		return fmt.Errorf("invalid --listen %q: %w", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	metricsCollector := metrics.New(pool, logger)
	if err := metricsCollector.Register(); err != nil {
		logger.Warn("Failed to register metrics", zap.Error(err))
	}

	stopMetrics := make(chan struct{})
	defer close(stopMetrics)
	go metricsCollector.StartCollector(5*time.Second, stopMetrics)
	go func() {
		if err := metricsCollector.Serve(metricsAddr, stopMetrics); err != nil {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	var hooks []dhcpv6.Hook

	// Routes go in before accounting so a Start is only sent for a
	// reachable prefix.
	var router *routing.PrefixRouter
	if routesEnabled {
		platform, err := routing.NewNetlinkPlatform()
		if err != nil {
			return fmt.Errorf("failed to open routing platform: %w", err)
		}
		router = routing.NewPrefixRouter(routing.PrefixRouteConfig{
			Interface:      routeInterface,
			Table:          routeTable,
			Metric:         routeMetric,
			WithdrawOnStop: routesWithdraw,
		}, platform, logger)
		router.SetRecorder(metricsCollector)

		// Leases do not survive a restart, so neither should their routes.
		if removed, err := router.FlushStale(); err != nil {
			logger.Warn("Failed to flush stale prefix routes", zap.Error(err))
		} else if removed > 0 {
			logger.Info("Flushed stale prefix routes", zap.Int("count", removed))
		}

		hooks = append(hooks, router)
		logger.Info("Prefix routing enabled",
			zap.String("route_interface", routeInterface),
			zap.Int("table", routeTable),
		)
	}

	var accounting *radius.AccountingManager
	if radiusServers != "" {
		secret := resolveSecret(radiusSecret, radiusSecretFile, "radius-secret", "radius-secret-file", logger)
		if secret == "" {
			return fmt.Errorf("RADIUS shared secret required (--radius-secret-file)")
		}

		client, err := radius.NewClient(radius.ClientConfig{
			Servers: parseRADIUSServers(radiusServers, secret),
			NASID:   radiusNASID,
			Timeout: radiusTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create RADIUS client: %w", err)
		}

		accounting, err = radius.NewAccountingManager(client, radius.DefaultAccountingConfig(), logger)
		if err != nil {
			return fmt.Errorf("failed to create accounting manager: %w", err)
		}
		accounting.SetRecorder(metricsCollector)
		if err := accounting.Start(); err != nil {
			return fmt.Errorf("failed to start accounting manager: %w", err)
		}

		hooks = append(hooks, accounting)
		logger.Info("RADIUS accounting enabled",
			zap.String("servers", radiusServers),
			zap.String("nas_id", radiusNASID),
		)
	}

	server, err := dhcpv6.NewServer(dhcpv6.ServerConfig{
		Interface:   iface,
		Address:     laddr,
		Hooks:       hooks,
		HookTimeout: hookTimeout,
		Recorder:    metricsCollector,
	}, pool, logger)
	if err != nil {
		return fmt.Errorf("failed to create DHCPv6 server: %w", err)
	}

	logger.Info("PDD started successfully",
		zap.String("interface", iface),
		zap.String("pool", poolCfg.Start.String()),
		zap.Uint64("pool_size", poolCfg.Size),
		zap.Uint8("prefix_length", poolCfg.PrefixLength),
		zap.String("metrics", metricsAddr),
		zap.Bool("routes_enabled", router != nil),
		zap.Bool("radius_enabled", accounting != nil),
	)

	serveErr := server.Start(ctx)
	if serveErr != nil {
		logger.Error("DHCPv6 server error", zap.Error(serveErr))
		cancel()
	}

	if accounting != nil {
		if err := accounting.Stop(); err != nil {
			logger.Warn("Failed to stop accounting manager", zap.Error(err))
		}
	}
	if router != nil {
		router.Stop()
	}

	stats := server.GetStats()
	logger.Info("PDD stopped",
		zap.Uint64("solicits", stats["solicits_received"]),
		zap.Uint64("replies", stats["replies_sent"]),
		zap.Uint64("dropped", stats["messages_dropped"]),
		zap.Uint64("active_leases", stats["active_leases"]),
	)
	return serveErr
}

// buildPoolConfig validates the pool flags and turns them into a PoolConfig.
func buildPoolConfig(start string, size uint64, length uint8, mode string) (dhcpv6.PoolConfig, error) {
	addr, err := netip.ParseAddr(start)
	if err != nil {
		return dhcpv6.PoolConfig{}, fmt.Errorf("invalid --pool-start %q: %w", start, err)
	}
	m, err := dhcpv6.ParseAllocationMode(mode)
	if err != nil {
		return dhcpv6.PoolConfig{}, fmt.Errorf("invalid --allocation-mode: %w", err)
	}
	return dhcpv6.PoolConfig{
		Start:        addr,
		Size:         size,
		PrefixLength: length,
		Mode:         m,
	}, nil
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

// setupLogger applies the config file and builds the logger at the
// resulting log level. Messages about the config file itself go to a logger
// at the command line level.
func setupLogger(cmd *cobra.Command) (*zap.Logger, error) {
	boot, err := initLogger(logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer boot.Sync()

	// CLI flags that were explicitly set take precedence.
	if err := loadConfigFile(cmd, boot); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := initLogger(logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
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

// parseRADIUSServers parses comma-separated RADIUS accounting server addresses
func parseRADIUSServers(servers, secret string) []radius.ServerConfig {
	var result []radius.ServerConfig
	for _, s := range strings.Split(servers, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		host, port := parseHostPort(s, 1813)
		result = append(result, radius.ServerConfig{
			Host:   host,
			Port:   port,
			Secret: secret,
		})
	}
	return result
}

// parseHostPort parses a host:port string, returning default port if not specified
func parseHostPort(s string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return strings.Trim(s, "[]"), defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return host, defaultPort
	}
	return host, port
}

// resolveSecret reads a secret from a file if the file flag is set,
// falling back to the direct string flag. When the direct flag is used,
// a deprecation warning is logged because CLI arguments are visible in
// process listings (ps output).
func resolveSecret(direct, filePath, directFlag, fileFlag string, logger *zap.Logger) string {
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			logger.Error("Failed to read secret file",
				zap.String("flag", fileFlag),
				zap.String("path", filePath),
				zap.Error(err),
			)
			return ""
		}
		secret := strings.TrimSpace(string(data))
		if direct != "" {
			logger.Warn("Both --"+directFlag+" and --"+fileFlag+" set; using file",
				zap.String("file", filePath),
			)
		}
		return secret
	}
	if direct != "" {
		logger.Warn("--"+directFlag+" is deprecated: secret is visible in process listings. Use --"+fileFlag+" instead.",
			zap.String("flag", directFlag),
		)
	}
	return direct
}
