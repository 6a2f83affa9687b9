package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/csai/lab-shell/internal/api"
	"github.com/csai/lab-shell/internal/compose"
	"github.com/csai/lab-shell/internal/orchestrator"
)

func newServicesCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Control the docker compose project hosting the relay and targets",
	}
	cmd.AddCommand(
		newServicesUpCmd(root),
		newServicesDownCmd(root),
		newServicesStatusCmd(root),
	)
	return cmd
}

func newServicesUpCmd(root *rootOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start every service detached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			logger := cliLogger(cfg, cmd.ErrOrStderr())
			ctl := compose.New(composeConfig(cfg), logger)
			if err := ctl.Up(cmd.Context()); err != nil {
				_ = printJSON(cmd.OutOrStdout(), api.ServiceActionResponse{Success: false, Message: err.Error()})
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), api.ServiceActionResponse{Success: true, Message: "Services started."})
			}

			engine, err := orchestrator.New(cfg, logger)
			if err != nil {
				return err
			}
			defer engine.Close()
			timeout := time.Duration(cfg.Compose.ReadyTimeoutSeconds) * time.Second
			if err := engine.WaitRelayReady(cmd.Context(), timeout); err != nil {
				_ = printJSON(cmd.OutOrStdout(), api.ServiceActionResponse{Success: false, Message: err.Error()})
				return err
			}
			return printJSON(cmd.OutOrStdout(), api.ServiceActionResponse{Success: true, Message: "Services started and relay ready."})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the relay daemon container is running")
	return cmd
}

func newServicesDownCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop and remove the project's containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctl := compose.New(composeConfig(cfg), cliLogger(cfg, cmd.ErrOrStderr()))
			if err := ctl.Down(cmd.Context()); err != nil {
				_ = printJSON(cmd.OutOrStdout(), api.ServiceActionResponse{Success: false, Message: err.Error()})
				return err
			}
			return printJSON(cmd.OutOrStdout(), api.ServiceActionResponse{Success: true, Message: "Services stopped."})
		},
	}
}

func newServicesStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List the project's containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			logger := cliLogger(cfg, cmd.ErrOrStderr())
			ctl := compose.New(composeConfig(cfg), logger)
			var lister api.ContainerLister
			if engine, err := orchestrator.New(cfg, logger); err != nil {
				logger.Warn("engine_init_failed", slog.String("error", err.Error()))
			} else {
				defer engine.Close()
				lister = engine
			}
			resp, err := api.CollectServiceStatus(cmd.Context(), ctl, lister)
			if perr := printJSON(cmd.OutOrStdout(), resp); err == nil {
				err = perr
			}
			return err
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
