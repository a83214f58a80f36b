// Package main is the entry point for the tng binary: a single
// process that reads one JSON tunnel configuration document and runs
// every ingress/egress flow it names until SIGINT/SIGTERM. Grounded on
// cmd/otterscale/main.go's signal-handling shape, stripped of Wire and
// the server/agent subcommand split TNG has no equivalent of.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tng-project/tng/internal/config"
	"github.com/tng-project/tng/internal/logging"
	"github.com/tng-project/tng/internal/orchestrator"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3"); surfaced by --version and
// in the startup log line. The tunnel server's "server" response
// header carries the fixed wrapping.ServerHeader value, not this one.
var version = "devel"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	conf, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	root := &cobra.Command{
		Use:           "tng",
		Short:         "tng: a transparent, attested secure-channel proxy for confidential containers workloads",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), conf)
		},
	}

	if err := conf.BindFlags(root.Flags()); err != nil {
		return fmt.Errorf("failed to register flags: %w", err)
	}

	return root.ExecuteContext(ctx)
}

// serve loads the tunnel configuration document, builds the
// orchestrator, and blocks until ctx is cancelled or a flow fails
// fatally.
func serve(ctx context.Context, conf *config.Config) error {
	logger := logging.Setup(conf.LogLevel(), conf.LogFormat())

	doc, err := config.LoadDocument(conf.DocumentPath())
	if err != nil {
		return fmt.Errorf("failed to load tunnel configuration document: %w", err)
	}

	o, err := orchestrator.FromConfig(ctx, doc, logger)
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}

	logger.Info("tng starting", "version", version, "ingress", len(doc.AddIngress), "egress", len(doc.AddEgress))

	return o.ServeWithReady(ctx, nil)
}
