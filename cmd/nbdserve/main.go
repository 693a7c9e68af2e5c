package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/nbdserve/filter/fua"
	logfilter "github.com/marmos91/nbdserve/filter/log"
	"github.com/marmos91/nbdserve/internal/logger"
	"github.com/marmos91/nbdserve/pkg/backend"
	"github.com/marmos91/nbdserve/pkg/backend/chain"
	"github.com/marmos91/nbdserve/pkg/backend/runtimeenv"
	"github.com/marmos91/nbdserve/pkg/metrics"
	"github.com/marmos91/nbdserve/pkg/server"
	"github.com/marmos91/nbdserve/plugin/file"
	"github.com/marmos91/nbdserve/plugin/memory"

	// Registers the prometheus-backed ServerMetrics constructor via init().
	_ "github.com/marmos91/nbdserve/pkg/metrics/prometheus"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	bindAddress := flag.String("address", "0.0.0.0", "address to bind")
	port := flag.Int("port", 10809, "port to listen on")
	exportName := flag.String("export", "default", "default export name")
	filePath := flag.String("file", "", "serve a file-backed export instead of an in-memory one")
	sizeMB := flag.Int("size", 1024, "size in MiB of the in-memory export (ignored with -file)")
	readOnly := flag.Bool("readonly", false, "force every connection read-only")
	maxConnections := flag.Int("max-connections", 0, "maximum simultaneous connections (0 = unlimited)")
	logLevel := flag.String("log-level", "INFO", "DEBUG, INFO, WARN, or ERROR")
	logFormat := flag.String("log-format", "text", "text or json")
	metricsEnabled := flag.Bool("metrics", false, "enable prometheus metrics collection")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nbdserve %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	if err := logger.Init(logger.Config{Level: *logLevel, Format: *logFormat, Output: "stderr"}); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	if *metricsEnabled {
		metrics.InitRegistry()
		logger.Info("metrics enabled")
	}

	var plugin backend.Plugin
	if *filePath != "" {
		plugin = file.New(*filePath)
	} else {
		plugin = memory.New(uint64(*sizeMB) * 1024 * 1024)
	}

	filters := []backend.Filter{
		logfilter.New(),
		fua.New(fua.ModeEmulate),
	}

	c, err := chain.Build(plugin, filters)
	if err != nil {
		log.Fatalf("failed to build backend chain: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := runtimeenv.New(cancel)
	if err := c.LoadAll(env); err != nil {
		log.Fatalf("failed to load backend chain: %v", err)
	}
	defer c.UnloadAll()
	defer c.CleanupAll()

	if err := c.GetReadyAll(); err != nil {
		log.Fatalf("backend chain not ready: %v", err)
	}

	logger.Info("backend chain built", "layers", c.Names(), "thread_model", c.ThreadModel)

	cfg := server.Config{
		BindAddress:        *bindAddress,
		Port:               *port,
		ReadOnly:           *readOnly,
		MaxConnections:     *maxConnections,
		ShutdownTimeout:    30 * time.Second,
		MetricsLogInterval: time.Minute,
		Dialect:            server.DialectNewstyle,
		TLSPolicy:          server.TLSDisabled,
		MaxPayloadBytes:    64 << 20,
		DefaultExportName:  *exportName,
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	listener := server.NewListener(cfg, c, nil)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- listener.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("nbd server running", "address", *bindAddress, "port", *port)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
		if err := <-serverDone; err != nil {
			logger.Error("server shutdown error", logger.ErrAttr(err))
			os.Exit(1)
		}
		logger.Info("server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("server error", logger.ErrAttr(err))
			os.Exit(1)
		}
		logger.Info("server stopped")
	}
}
