// Package cli implements the gatebox command surface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gatebox-dev/gatebox/internal/config"
	"github.com/gatebox-dev/gatebox/internal/constant"
	"github.com/gatebox-dev/gatebox/internal/server"
)

const (
	// URL templates for displaying to users
	openAIEndpointTpl    = "http://%s/v1/chat/completions"
	anthropicEndpointTpl = "http://%s/v1/messages"
	adminEndpointTpl     = "http://%s/api/policy"
)

// stopTimeout bounds graceful shutdown after a signal.
const stopTimeout = 10 * time.Second

type serveFlags struct {
	host    string
	port    int
	debug   bool
	logFile string
}

func addServeFlags(cmd *cobra.Command, flags *serveFlags) {
	cmd.Flags().StringVar(&flags.host, "host", "", "listen host (default: from config)")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "listen port (default: from config)")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "enable debug logging, per-request logs and the stdout record sink")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "log file path (default: <config-dir>/log/gatebox.log)")
}

// newRotatingLogger returns the rotating file writer server logs go through.
func newRotatingLogger(logFile string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   true,
	}
}

// printBanner prints the gateway access banner.
func printBanner(cfg *config.Config) {
	addr := cfg.ListenAddr()
	fmt.Println("\nYou can reach the gateway at:")
	fmt.Printf("  OpenAI API:    "+openAIEndpointTpl+"\n", addr)
	fmt.Printf("  Anthropic API: "+anthropicEndpointTpl+"\n", addr)
	fmt.Printf("  Admin API:     "+adminEndpointTpl+"\n", addr)
	fmt.Printf("  API key:       %s\n", cfg.GetUserToken())
}

// resolveDebug applies priority: CLI flag > config.
func resolveDebug(cmd *cobra.Command, flags serveFlags, cfg *config.Config) bool {
	if cmd.Flags().Changed("debug") {
		return flags.debug
	}
	return cfg.GetDebug()
}

func runServe(cfg *config.Config, version string, cmd *cobra.Command, flags serveFlags) error {
	if resolveDebug(cmd, flags, cfg) {
		if err := cfg.SetDebug(true); err != nil {
			return fmt.Errorf("failed to persist debug flag: %w", err)
		}
		if logrus.GetLevel() < logrus.DebugLevel {
			logrus.SetLevel(logrus.DebugLevel)
		}
		gin.SetMode(gin.DebugMode)
		logrus.Info("Debug mode enabled - detailed logging will be shown")
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Always log to a rotating file alongside stdout.
	logFile := flags.logFile
	if logFile == "" {
		baseDir := filepath.Dir(cfg.ConfigFile)
		logFile = filepath.Join(constant.GetLogDir(baseDir), constant.ServerLogFileName)
	}
	logWriter := newRotatingLogger(logFile)
	logrus.SetOutput(io.MultiWriter(os.Stdout, logWriter))
	logrus.Infof("Logging to file: %s (with rotation)", logFile)

	// Flag overrides persist, so a bare restart keeps the same address.
	if cmd.Flags().Changed("host") || cmd.Flags().Changed("port") {
		host := cfg.GetHost()
		port := cfg.GetPort()
		if cmd.Flags().Changed("host") {
			host = flags.host
		}
		if cmd.Flags().Changed("port") {
			port = flags.port
		}
		if err := cfg.SetListen(host, port); err != nil {
			return fmt.Errorf("failed to apply listen address: %w", err)
		}
	}

	srv, err := server.NewServer(cfg, server.WithVersion(version))
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	fmt.Printf("Server starting on %s...\n", cfg.ListenAddr())
	printBanner(cfg)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server stopped unexpectedly: %w", err)
	case <-sigChan:
		fmt.Println("\nReceived shutdown signal, stopping server...")
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return srv.Stop(ctx)
	}
}

// ServeCommand runs the gateway in the foreground until interrupted.
func ServeCommand(cfg *config.Config, version string) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Gatebox gateway",
		Long: `Start the Gatebox HTTP gateway in the foreground.
The gateway serves OpenAI and Anthropic style endpoints, runs every request
and response stream through the active policy, and records the exchange.
Stop it with Ctrl-C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg, version, cmd, flags)
		},
	}

	addServeFlags(cmd, &flags)
	return cmd
}
