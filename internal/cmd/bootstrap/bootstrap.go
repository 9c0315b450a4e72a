// Package bootstrap turns the root command's persistent flags into a wired
// application for the subcommands.
package bootstrap

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/turbolytics/pricewatch/internal/config"
	"go.uber.org/zap"
)

const (
	ConfigFlag   = "config"
	LogLevelFlag = "log-level"
)

// Config loads the file named by --config and applies --log-level.
func Config(cmd *cobra.Command) (*config.Pricewatch, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString(ConfigFlag)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if lvl, _ := cmd.Flags().GetString(LogLevelFlag); lvl != "" {
		cfg.Global.Logger.Level = lvl
	}
	logger, err := config.NewLogger(cfg.Global.Logger.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.Named("pricewatch"), nil
}

// App loads the configuration and connects every backend. Callers own the
// returned app and must Close it.
func App(cmd *cobra.Command) (*config.App, *zap.Logger, error) {
	cfg, logger, err := Config(cmd)
	if err != nil {
		return nil, nil, err
	}
	app, err := config.Initialize(cmd.Context(), cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	return app, logger, nil
}

func PrintJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Close releases the app's backends with a bounded grace period.
func Close(app *config.App, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Close(ctx); err != nil {
		logger.Error("closing backends", zap.Error(err))
	}
}
