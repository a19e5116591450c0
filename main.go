package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"nearbychat/config"
	"nearbychat/logging"
	"nearbychat/messenger"
	"nearbychat/metrics"
	"nearbychat/storage"
	"nearbychat/transport"
	"nearbychat/transport/lan"
	"nearbychat/ui"
)

const logFileName = "nearbychat.log"

type runFlags struct {
	serviceID      string
	listen         string
	confirmTimeout time.Duration
	metricsAddr    string
	logLevel       string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &runFlags{}
	root := &cobra.Command{
		Use:          "nearbychat",
		Short:        "Pair with a nearby device and chat",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}
	root.Flags().StringVar(&flags.serviceID, "service-id", "", "service ID peers must share")
	root.Flags().StringVar(&flags.listen, "listen", "", "TCP address for incoming links (default from config)")
	root.Flags().DurationVar(&flags.confirmTimeout, "confirm-timeout", 0, "how long a confirmation prompt stays open (0 keeps it open)")
	root.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	root.Flags().StringVar(&flags.logLevel, "log-level", "", "trace|debug|info|warn|error|off")

	root.AddCommand(newPairingsCommand())
	return root
}

// applyFlags overrides config values with the flags set on this run.
func applyFlags(cmd *cobra.Command, flags *runFlags, cfg *config.AppConfig) (listen string, timeout time.Duration) {
	listen = cfg.ListenAddress()
	timeout = cfg.ConfirmTimeout()

	if cmd.Flags().Changed("service-id") {
		cfg.ServiceID = flags.serviceID
	}
	if cmd.Flags().Changed("listen") {
		listen = flags.listen
	}
	if cmd.Flags().Changed("confirm-timeout") {
		timeout = flags.confirmTimeout
		if timeout == 0 {
			timeout = messenger.NoConfirmTimeout
		}
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddress = flags.metricsAddr
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	return listen, timeout
}

func run(cmd *cobra.Command, flags *runFlags) (err error) {
	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}
	listen, confirmTimeout := applyFlags(cmd, flags, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	strategy, err := transport.ParseStrategy(cfg.Strategy)
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(filepath.Join(dataDir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("startup failed while opening log file: %w", err)
	}
	logger := logging.New(logging.ProfileRuntime, logFile)
	if cmd.Flags().Changed("log-level") || os.Getenv(logging.EnvLevel) == "" {
		if err := logging.SetLevel(logger, cfg.LogLevel); err != nil {
			logger.WithError(err).Warn("ignoring log level")
		}
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		_ = logFile.Close()
		return fmt.Errorf("startup failed while opening database: %w", err)
	}
	store.SetPairingRetention(cfg.PairingRetention())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	tr, err := lan.New(lan.Config{ListenAddress: listen, Logger: logger})
	if err != nil {
		err = multierr.Combine(fmt.Errorf("startup failed while opening transport: %w", err), store.Close(), logFile.Close())
		return err
	}

	display := ui.NewDisplay()
	controller, err := messenger.New(messenger.Options{
		Transport:      tr,
		Display:        display,
		ServiceID:      cfg.ServiceID,
		Strategy:       strategy,
		ConfirmTimeout: confirmTimeout,
		Logger:         logger,
		Metrics:        m,
		Pairings:       store,
	})
	if err != nil {
		return multierr.Combine(err, tr.Close(), store.Close(), logFile.Close())
	}

	defer func() {
		controller.Close()
		display.Close()
		err = multierr.Combine(err, tr.Close(), store.Close(), logFile.Close())
	}()

	logger.WithFields(logrus.Fields{
		"install_id":  cfg.InstallID,
		"local_name":  controller.LocalName(),
		"endpoint_id": tr.LocalEndpointID(),
		"listen":      tr.Addr().String(),
		"config":      cfgPath,
		"database":    dbPath,
	}).Info("nearbychat starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	program := tea.NewProgram(ui.NewModel(controller, controller.LocalName()), tea.WithAltScreen())
	if err := controller.Start(ctx); err != nil {
		return err
	}
	display.Attach(program)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		if _, err := program.Run(); err != nil {
			return fmt.Errorf("terminal ui: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		program.Quit()
		return nil
	})

	if cfg.MetricsAddress != "" {
		server := &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           metrics.Handler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.WithField("address", cfg.MetricsAddress).Info("serving metrics")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func newPairingsCommand() *cobra.Command {
	var (
		endpointID string
		outcome    string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "pairings",
		Short: "List recent pairing outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := config.ResolveDataDir()
			if err != nil {
				return err
			}
			store, _, err := storage.Open(dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.GetPairingEvents(storage.PairingEventFilter{
				EndpointID: endpointID,
				Outcome:    outcome,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			return printPairings(cmd, events)
		},
	}
	cmd.Flags().StringVar(&endpointID, "endpoint", "", "only this endpoint ID")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only this outcome")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func printPairings(cmd *cobra.Command, events []storage.PairingEvent) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPEER\tCODE\tDIRECTION\tOUTCOME\tENDPOINT")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(e.Timestamp).Format(time.DateTime),
			e.PeerName,
			e.AuthDigits,
			e.Direction,
			e.Outcome,
			e.EndpointID,
		)
	}
	return w.Flush()
}
