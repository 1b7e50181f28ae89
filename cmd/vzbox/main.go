package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/aledbf/vzbox/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.L.WithError(err).Warn("command interrupted")
			os.Exit(130)
		}
		log.L.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "vzbox",
		Short:         "Assemble and run virtual machines from YAML manifests",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level, overrides log.level from the configuration file")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Get()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Fix or remove /etc/vzbox/config.json, or set VZBOX_CONFIG to another file.")
			return fmt.Errorf("failed to load vzbox configuration: %w", err)
		}
		level := cfg.Log.Level
		if logLevel != "" {
			level = logLevel
		}
		return log.SetLevel(level)
	}

	root.AddCommand(
		newRunCommand(),
		newValidateCommand(),
		newIdentityCommand(),
	)
	return root
}
