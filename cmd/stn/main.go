// Command stn is a multi-protocol proxy/router. Usage: stn -c <config-file>.
//
// Grounded on cmd/teleproxy/main.go's cobra.Command{RunE: ...} shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dlog"

	"github.com/fh0stn/stn/internal/config"
	"github.com/fh0stn/stn/internal/logging"
	"github.com/fh0stn/stn/internal/runtime"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "stn",
		Short: "multi-protocol proxy/router",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to the JSON configuration file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func run(configFile string) error {
	doc, err := config.Load(configFile)
	if err != nil {
		// Configuration error: returned to main, which exits with status 1.
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx := logging.New(context.Background(), doc.Setting.LogLevel, doc.Setting.LogFile, doc.Setting.LogFileMaxK)
	ctx = config.With(ctx, doc)
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if doc.Setting.PIDFile != "" {
		if err := os.WriteFile(doc.Setting.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
			dlog.Warnf(ctx, "stn: failed to write pid file: %v", err)
		}
	}

	rt, err := runtime.Build(doc)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	dlog.Infof(ctx, "stn: starting with %d inbounds, %d outbounds, %d routes", len(doc.In), len(doc.Out), len(doc.Route))
	return rt.Run(ctx, func() { applyPrivilegeDrop(ctx, doc) })
}
