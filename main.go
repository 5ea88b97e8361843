package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/orian/vizguard/cardinality"
	"github.com/orian/vizguard/dataset"
	"github.com/orian/vizguard/logctx"
	"github.com/orian/vizguard/query"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "vizguard",
		Short: "Safe chart queries over large datasets",
		Long: `vizguard plans chart queries against a dataset so that every response fits the
chart's point budget, aggregating, binning, keeping the top categories or
sampling deterministically, and reports how the data was reduced.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (default ./config.yaml)")

	root.AddCommand(
		newServeCmd(&configFile),
		newExplainCmd(&configFile),
		newQueryCmd(&configFile),
	)
	return root
}

// app holds what every command needs.
type app struct {
	cfg     *Config
	logger  *slog.Logger
	store   *dataset.Store
	service *query.Service
	closers []func() error
}

func openApp(ctx context.Context, configFile string, stderr io.Writer) (*app, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return nil, err
	}
	ctx = logctx.WithLogger(ctx, logger)

	store, err := dataset.Open(ctx, cfg.DuckDB.Path, cfg.DuckDB.Threads)
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	logger.Info("Dataset store opened", slog.String("path", cfg.DuckDB.Path))

	mode, _ := cardinality.ParseMode(cfg.Planner.CardinalityMode)
	service := query.NewService(store,
		query.WithSeed(cfg.Planner.Seed),
		query.WithCardinalityMode(mode),
		query.WithStrictMemory(cfg.Planner.StrictMemory),
		query.WithMinPerStratum(cfg.Planner.MinPerStratum),
	)
	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		service: service,
		closers: []func() error{store.Close, closeLog},
	}, nil
}

// withLogger returns ctx carrying the app logger.
func (a *app) withLogger(ctx context.Context) context.Context {
	return logctx.WithLogger(ctx, a.logger)
}

func (a *app) Close() error {
	var result *multierror.Error
	for _, c := range a.closers {
		if err := c(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, *configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			ctx = a.withLogger(ctx)

			var ch ClickHouseConn
			if host := a.cfg.ClickHouse.Host; host != "" {
				conn, err := dataset.DialClickHouse(ctx, a.cfg.ClickHouse.Dataset())
				if err != nil {
					a.logger.Warn("ClickHouse unavailable, imports disabled", slog.String("host", host), slog.Any("error", err))
				} else {
					a.logger.Info("Connected to ClickHouse", slog.String("host", host), slog.Bool("secure", a.cfg.ClickHouse.Secure))
					ch = conn
					a.closers = append(a.closers, conn.Close)
				}
			}

			srv := &http.Server{
				Addr:              a.cfg.Server.Addr,
				Handler:           NewServer(a.store, a.service, ch).Routes(a.logger, a.cfg.Server.Origins()),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return a.withLogger(context.Background()) },
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("Starting server", slog.String("addr", srv.Addr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
