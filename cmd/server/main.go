package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/agri-registry/pkg/api"
	"github.com/hazyhaar/agri-registry/pkg/config"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "import":
		cmdImport(os.Args[2:])
	case "mcp":
		cmdMCP(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: agri-registry <command>

Commands:
  serve    Start the HTTP server
  import   Import a CSV/XLS/XLSX file into a partition
  mcp      Serve the MCP tools over stdio
`)
}

// loadConfig reads the config file and builds the process logger. Logs
// always go to stderr; stdout is reserved for command output and MCP.
func loadConfig(path string) (config.Config, *slog.Logger) {
	boot := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg, found, err := config.Load(path)
	if err != nil {
		boot.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Log.Logger(os.Stderr)
	if !found {
		logger.Info("no config file, using defaults", "path", path)
	}
	return cfg, logger
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, logger := loadConfig(*cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	router := api.NewRouter(a.services(), api.Options{
		DevMode:        cfg.DevMode,
		StagingDir:     cfg.StagingDir,
		MaxUploadBytes: cfg.MaxUploadMB << 20,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("agri-registry listening", "addr", cfg.Addr, "dev_mode", cfg.DevMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// Partition accessors close only once handlers have drained.
	if err := a.close(sctx); err != nil {
		logger.Error("storage shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func cmdMCP(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, logger := loadConfig(*cfgPath)
	ctx := context.Background()
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	srv := server.NewMCPServer("agri-registry", version, server.WithToolCapabilities(false))
	api.RegisterMCPTools(srv, a.services(), cfg.DevMode)

	logger.Info("serving MCP over stdio")
	serveErr := server.ServeStdio(srv)

	sctx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := a.close(sctx); err != nil {
		logger.Error("storage shutdown", "error", err)
	}
	if serveErr != nil {
		logger.Error("mcp server", "error", serveErr)
		os.Exit(1)
	}
}
