package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tkratochvila/verify-go-rewrite/internal/api"
	"github.com/tkratochvila/verify-go-rewrite/internal/config"
	"github.com/tkratochvila/verify-go-rewrite/internal/logging"
	"github.com/tkratochvila/verify-go-rewrite/internal/metrics"
	"github.com/tkratochvila/verify-go-rewrite/internal/service"
	"github.com/tkratochvila/verify-go-rewrite/internal/toolkit"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var flags = struct {
	port        int
	ip          string
	threads     int
	toolkitFile string
	metricsAddr string
	logLevel    string
}{}

var rootCmd = &cobra.Command{
	Use:     "verifyd",
	Short:   "verifyd - multi-tenant verification-task server",
	Long:    `verifyd runs external formal-verification tools on behalf of HTTP clients: it sandboxes their inputs in workspaces, supervises the tool processes and reports progress as OSLC monitoring documents.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("verifyd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
	},
}

func init() {
	rootCmd.Flags().IntVar(&flags.port, "port", config.DefaultPort, "Port to listen on with HTTP protocol")
	rootCmd.Flags().StringVar(&flags.ip, "ip", config.DefaultBindIP, "IP/Hostname to bind to")
	rootCmd.Flags().IntVar(&flags.threads, "threads", 0, "Worker threads; <= 0 uses the number of cores")
	rootCmd.Flags().StringVar(&flags.toolkitFile, "toolkit-file", config.DefaultToolkitFile, "Configuration file with available verification tools")
	rootCmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", config.DefaultMetricsAddr, "Prometheus metrics listen address; empty disables")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command) error {
	logging.Setup(flags.logLevel)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	overlayFlags(cmd, cfg)
	logging.Setup(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return err
	}
	runtime.GOMAXPROCS(cfg.Threads)

	log.Info().Str("version", Version).Str("addr", cfg.ListenAddr()).Msg("Starting verification server")

	kit, err := toolkit.LoadFile(cfg.ToolkitFile)
	if err != nil {
		return fmt.Errorf("load tool registry: %w", err)
	}
	for _, category := range kit.Capabilities() {
		log.Info().Str("category", category).Strs("tools", kit.ToolsFor(category)).Msg("Registered capability")
	}

	watcher, err := toolkit.NewWatcher(kit, cfg.ToolkitFile)
	if err != nil {
		log.Warn().Err(err).Msg("Tool registry watcher disabled")
	} else {
		defer watcher.Close()
	}

	m := metrics.New()

	svc, err := service.New(cfg, kit, m)
	if err != nil {
		return fmt.Errorf("initialise verification service: %w", err)
	}
	defer svc.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr, m)
	}

	srv := api.NewServer(svc, m, cfg.ListenAddr())
	serveErr, err := srv.Start()
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.ListenAddr(), err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err, ok := <-serveErr:
			if ok && err != nil {
				return err
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Verification server stopped")
	return nil
}

// overlayFlags applies explicitly set CLI flags on top of the env-derived
// configuration.
func overlayFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Port = flags.port
	}
	if cmd.Flags().Changed("ip") {
		cfg.BindIP = flags.ip
	}
	if cmd.Flags().Changed("threads") {
		cfg.Threads = flags.threads
	}
	if cmd.Flags().Changed("toolkit-file") {
		cfg.ToolkitFile = flags.toolkitFile
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.logLevel
		logging.Setup(cfg.LogLevel)
	}
}
