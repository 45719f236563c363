package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

var rootCmd = &cobra.Command{
	Use:               "tracker-cli",
	Short:             "Track NVD vulnerabilities and alert organizations about their products",
	PersistentPreRunE: initApp,
}

var rootFlags = struct {
	config string
}{}

var _app app

type app struct {
	DB     *gorm.DB
	Config tracker.Config
}

func App() app {
	return _app
}

func main() {
	err := run()
	if err != nil {
		fmt.Printf("FATAL: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	err := rootCmd.Execute()
	if err != nil {
		return err
	}
	return nil
}

func initApp(cmd *cobra.Command, args []string) error {
	config, err := tracker.LoadConfig(rootFlags.config)
	if err != nil {
		return fmt.Errorf("error reading '%s': %w", rootFlags.config, err)
	}
	_app.Config = config

	logger, err := newLogger(config.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	db, err := tracker.Open(config.Database)
	if err != nil {
		return err
	}
	_app.DB = db

	return nil
}

func newLogger(config tracker.Logging) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}
	options := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(config.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", config.Format)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.config, "config", "c", "config/application.toml", "Path to the configuration file")
}
