package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"

	"feedsync/internal/app"
	"feedsync/pkg/config"
	"feedsync/pkg/logger"
	"feedsync/pkg/shutdown"
)

// set build metadata
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	flags, err := config.ParseConfigFlags(os.Args[0], os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	eff, err := config.LoadEffectiveConfig(flags)
	if err != nil {
		shutdown.Abort("failed to build effective config", err, flags.DB)
	}
	if flags.Validate {
		logger.LogConfigSummary("config_validation_passed", append([]string{"source: " + eff.Source}, eff.Config.Summary()...))
		return
	}

	// initialize logger after config is fully loaded
	logger.Init(eff.Config.Logging.Level, eff.Config.Logging.Sink, eff.Config.Logging.Format)
	defer logger.Sync()

	logger.Info("effective_config_loaded", "source", eff.Source, "db_path", eff.DBPath, "metrics_addr", eff.MetricsAddr)
	logger.Info("build_info", "version", version, "commit", commit, "build_date", buildDate, "go", runtime.Version())

	// set up context and signal handling for graceful shutdown
	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	a, err := app.New(ctx, eff)
	if err != nil {
		shutdown.Abort("failed to initialize app", err, eff.DBPath)
	}

	if err := a.Run(ctx); err != nil {
		shutdown.Abort(fmt.Sprintf("app run failed (%s)", a.State()), err, eff.DBPath)
	}
}
