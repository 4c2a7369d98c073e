// Command aegisctl is the controller binary: it loads the YAML
// configuration, wires every package into the Event Watcher /
// Orchestrator / Push Ingestor / Health Monitor pipeline, and runs until
// signaled. Grounded on _examples/cuemby-warren's cmd/warren/main.go
// cobra root-command shape (persistent flags, cobra.OnInitialize logging
// setup, signal-driven shutdown), adapted from warren's many cluster
// subcommands down to the single long-running daemon this spec needs.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	Commit  = "unknown"
)

var log = logrus.New()

// exitCode maps err onto spec's three-valued exit status: 0 normal
// shutdown, 2 configuration error, 3 persistent-store corruption, 1 any
// other failure.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case aerrors.Is(err, aerrors.ErrConfigInvalid):
		return 2
	case aerrors.Is(err, aerrors.ErrStateCorrupted):
		return 3
	default:
		return 1
	}
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

var rootCmd = &cobra.Command{
	Use:     "aegisctl",
	Short:   "Aegis Controller - autonomous security remediation daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("aegisctl %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "", "override the config file's logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "force JSON log output regardless of logging.format")

	cobra.OnInitialize(func() {
		log.SetOutput(os.Stdout)
	})

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(replayCmd)
}

func applyLogConfig(level, format string, overrideLevel string, forceJSON bool) {
	if overrideLevel != "" {
		level = overrideLevel
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)

	if forceJSON || format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
