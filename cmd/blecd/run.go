package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srg/blecd/internal/api"
	"github.com/srg/blecd/internal/collector"
	"github.com/srg/blecd/internal/conf"
	"github.com/srg/blecd/internal/device/goble"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the collection daemon",
	Long: `Load the configuration, open the BLE adapters and collect until
interrupted. Exit codes: 0 on clean shutdown, non-zero on configuration,
provider initialization or port bind failure.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().StringP("config", "c", "blecd.yaml", "Path to the configuration file")
	runCmd.Flags().StringSlice("adapter", []string{"hci0"}, "HCI adapters to open (repeatable)")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd, logrus.InfoLevel)
	if err != nil {
		return err
	}

	configPath, _ := cmd.Flags().GetString("config")
	adapters, _ := cmd.Flags().GetStringSlice("adapter")

	cfg, specs, err := conf.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration rejected: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"config":      configPath,
		"peripherals": len(specs),
		"adapters":    adapters,
		"listen":      cfg.HTTP.Listen,
	}).Info("Starting blecd")

	provider := goble.NewProvider(adapters, logger)
	coll := collector.New(cfg, specs, provider, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: api.NewServer(coll, logger).Router(coll.Registry()),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coll.Run(gctx)
	})

	g.Go(func() error {
		logger.WithField("listen", cfg.HTTP.Listen).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to bind %s: %w", cfg.HTTP.Listen, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("Shutdown complete")
	return nil
}
