package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	serverPort  = flag.Int("port", 0, "Override server port")
	logLevel    = flag.String("log-level", "", "Override log level")
	storageType = flag.String("storage", "", "Override storage type (memory, badger, sqlite)")
	debugMode   = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	log := logger.New(&logger.Config{
		Level:   logger.ParseLevel(cfg.Log.Level),
		Format:  cfg.Log.Format,
		Output:  cfg.Log.Output,
		Service: cfg.App.Name,
	})
	logger.SetGlobal(log)

	log.Info("Starting ordersaga",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
		"node_id", cfg.App.NodeID,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, *configPath, log)
	if err != nil {
		log.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("Failed to listen", "address", addr, "error", err)
		a.closeResources(context.Background())
		os.Exit(1)
	}

	log.Info("ordersaga is running",
		"http_address", ln.Addr().String(),
		"storage", cfg.Storage.Type,
		"dispatch", cfg.Outbox.Dispatch,
		"metrics_port", cfg.Metrics.Port,
	)
	log.Info("Press Ctrl+C to stop")

	if err := a.run(ctx, ln); err != nil {
		log.Error("ordersaga stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("ordersaga stopped gracefully")
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storageType != "" {
		overrides["storage.type"] = *storageType
	}
	if *debugMode {
		overrides["log.level"] = "debug"
	}

	return overrides
}

func printVersion() {
	fmt.Printf("ordersaga - Order Saga Orchestrator\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("ordersaga - saga orchestration for order confirmation across payment, inventory and logistics\n\n")
	fmt.Printf("Usage: ordersaga [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  ordersaga                                 # Run with default config\n")
	fmt.Printf("  ordersaga -config config.yaml             # Use specific config file\n")
	fmt.Printf("  ordersaga -port 9090 -log-level debug     # Override specific options\n")
	fmt.Printf("  ordersaga -storage memory                 # Run without persistence\n")
	fmt.Printf("  ordersaga -version                        # Print version info\n")
}
