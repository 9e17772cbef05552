package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gatebox-dev/gatebox/internal/cli"
	"github.com/gatebox-dev/gatebox/internal/config"
	"github.com/gatebox-dev/gatebox/pkg/fs"
)

var rootCmd = &cobra.Command{
	Use:   "gatebox",
	Short: "Gatebox - policy-enforcing LLM API gateway",
	Long: `Gatebox is a policy-enforcing proxy for LLM APIs.
It serves OpenAI and Anthropic style endpoints, runs every request and every
response stream through the active policy, and records the full exchange.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			logrus.SetLevel(logrus.TraceLevel)
		}
	},
}

// Build information variables
var (
	// Set by compiler via -ldflags
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
	platform  = "unknown"

	// Global configuration directory flag
	configDir string
)

func init() {
	// Add global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration directory (default: ~/.gatebox)")

	// Parse flags early so config-dir is honored before subcommands build.
	// Flags are parsed again by Execute, so errors here are ignored.
	_ = rootCmd.ParseFlags(os.Args[1:])

	var appConfig *config.Config
	var err error
	if configDir != "" {
		expandedDir, expandErr := fs.ExpandConfigDir(configDir)
		if expandErr != nil {
			fmt.Fprintf(os.Stderr, "Error expanding config directory path: %v\n", expandErr)
			os.Exit(1)
		}
		appConfig, err = config.NewWithDir(expandedDir)
	} else {
		appConfig, err = config.New()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing config: %v\n", err)
		os.Exit(1)
	}

	// Add version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Gatebox\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Git Commit: %s\n", gitCommit)
			fmt.Printf("Build Time: %s\n", buildTime)
			fmt.Printf("Go Version: %s\n", goVersion)
			fmt.Printf("Platform:   %s\n", platform)
		},
	}
	rootCmd.AddCommand(versionCmd)

	// Add subcommands
	rootCmd.AddCommand(cli.ServeCommand(appConfig, version))
	rootCmd.AddCommand(cli.TokenCommand(appConfig))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
