package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/backtest"
	"github.com/eddiefleurent/scranton_ledger/internal/config"
	"github.com/eddiefleurent/scranton_ledger/internal/dashboard"
	"github.com/eddiefleurent/scranton_ledger/internal/logging"
	"github.com/sirupsen/logrus"
)

type options struct {
	configPath string
	mode       string
	exportDir  string
	noStore    bool
	serve      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// run is main without the process exit. It returns 1 when any run fails
// validation or ends on an error.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	var opts options
	fs := flag.NewFlagSet("bot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.mode, "mode", "", "Override environment.mode (backtest | paper)")
	fs.StringVar(&opts.exportDir, "export", "results", "Directory for trades.csv and balance_log.csv; empty disables")
	fs.BoolVar(&opts.noStore, "no-store", false, "Do not persist runs")
	fs.BoolVar(&opts.serve, "serve", false, "Keep the dashboard running after the run until interrupted")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if opts.mode != "" {
		cfg.Environment.Mode = opts.mode
		if err := cfg.Validate(); err != nil {
			_, _ = fmt.Fprintf(stderr, "Invalid config: %v\n", err)
			return 1
		}
	}

	logger, err := logging.New(cfg.Environment.LogLevel, cfg.Environment.LogFormat, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to create logger: %v\n", err)
		return 1
	}

	app, err := newApp(ctx, cfg, opts, logger)
	if err != nil {
		logger.WithError(err).Error("Startup failed")
		return 1
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.WithError(err).Warn("Closing storage")
		}
	}()

	var srv *dashboard.Server
	if app.store != nil && (cfg.Dashboard.Enabled || opts.serve) {
		srv = dashboard.NewServer(dashboard.Config{
			Addr:      cfg.Dashboard.Addr,
			AuthToken: cfg.Dashboard.AuthToken,
		}, app.store, logger.WithField("component", "dashboard"))
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Dashboard stopped")
			}
		}()
	}

	results, err := app.Run(ctx)
	code := 0
	if err != nil && !backtest.IsCanceled(err) {
		logger.WithError(err).Error("Run failed")
		code = 1
	}
	for _, res := range results {
		if res.Failed() {
			code = 1
		}
	}

	if srv != nil {
		if opts.serve && ctx.Err() == nil {
			logger.Info("Run finished; dashboard still serving, interrupt to exit")
			<-ctx.Done()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Dashboard shutdown")
		}
	}

	logger.WithFields(logrus.Fields{"runs": len(results), "exit_code": code}).Info("Bot stopped")
	return code
}
