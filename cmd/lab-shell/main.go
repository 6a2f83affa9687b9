package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/csai/lab-shell/internal/compose"
	"github.com/csai/lab-shell/internal/config"
	"github.com/csai/lab-shell/internal/observability"
	"github.com/csai/lab-shell/internal/registry"
	"github.com/csai/lab-shell/internal/token"
)

var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "lab-shell",
		Short:        "Run the lab container services and remote-desktop sessions",
		SilenceUsage: true,
		Version:      version,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (default: $LAB_SHELL_CONFIG_FILE)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override observability.log_level")

	cmd.AddCommand(
		newServeCmd(opts),
		newServicesCmd(opts),
		newConnectionsCmd(opts),
		newTokenCmd(opts),
		newConnectCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv("LAB_SHELL_CONFIG_FILE")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config error: %w", err)
	}
	if o.logLevel != "" {
		cfg.Observability.LogLevel = o.logLevel
	}
	return cfg, nil
}

// cliLogger keeps stdout free for command output.
func cliLogger(cfg config.Config, w io.Writer) *slog.Logger {
	return observability.NewLoggerTo(w, cfg.Observability.LogLevel)
}

func newConnections(cfg config.Config) (*registry.Registry, *token.Codec, error) {
	connections, err := registry.New(cfg.Profiles())
	if err != nil {
		return nil, nil, err
	}
	codec, err := token.New(cfg.Encryption.Cipher, []byte(cfg.Encryption.Key))
	if err != nil {
		return nil, nil, err
	}
	return connections, codec, nil
}

func composeConfig(cfg config.Config) compose.Config {
	return compose.Config{
		File:          cfg.Compose.File,
		Command:       cfg.Compose.Command,
		Project:       cfg.Compose.Project,
		StatusTimeout: time.Duration(cfg.Compose.StatusTimeoutSeconds) * time.Second,
	}
}
