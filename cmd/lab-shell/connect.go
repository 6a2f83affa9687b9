package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/csai/lab-shell/internal/api"
	"github.com/csai/lab-shell/internal/config"
	"github.com/csai/lab-shell/internal/metrics"
	"github.com/csai/lab-shell/internal/relay"
	"github.com/csai/lab-shell/internal/session"
	"github.com/csai/lab-shell/internal/state"
)

func newConnectCmd(root *rootOptions) *cobra.Command {
	var (
		width, height int
		timeout       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "connect [connection-id]",
		Short: "Open a headless session to a connection and hold it until interrupted",
		Long:  "Open a headless session through the relay. Without an id the last opened connection is used.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			st, err := state.New(cfg.Storage.StateFile)
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			} else if last, ok := st.LastConnection(); ok {
				id = last.ConnectionID
			}
			if id == "" {
				return errors.New("no connection id given and none opened before")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			opts := connectOptions{ID: id, Size: session.Size{Width: width, Height: height}, Timeout: timeout}
			return runConnect(ctx, cfg, st, opts, cmd.OutOrStdout(), cliLogger(cfg, cmd.ErrOrStderr()))
		},
	}
	cmd.Flags().IntVar(&width, "width", 0, "Available display width in pixels")
	cmd.Flags().IntVar(&height, "height", 0, "Available display height in pixels")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Fail if the session is not established within this duration")
	return cmd
}

type connectOptions struct {
	ID   string
	Size session.Size
	// Timeout overrides the configured connect timeout when positive.
	Timeout time.Duration
}

func runConnect(ctx context.Context, cfg config.Config, st *state.Store, opts connectOptions, out io.Writer, logger *slog.Logger) error {
	connections, codec, err := newConnections(cfg)
	if err != nil {
		return err
	}
	id := opts.ID
	timeout := cfg.ConnectTimeout()
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	reg := metrics.New()
	observer := api.NewSessionObserver(reg, st, logger)
	changed := make(chan struct{}, 1)
	manager := session.NewManager(session.Deps{
		Registry:       connections,
		Tokens:         codec,
		Dialer:         relay.NewDialer(logger, relay.WithObserver(reg)),
		Endpoint:       cfg.ListenEndpoint.WebsocketURL(),
		ConnectTimeout: timeout,
		Logger:         logger,
		OnChange: func(snap session.Snapshot) {
			observer.Observe(snap)
			select {
			case changed <- struct{}{}:
			default:
			}
		},
		OnRemove: observer.Forget,
	})
	defer manager.Close()

	sess := manager.Create(nil)
	if opts.Size.Valid() {
		sess.Resize(opts.Size)
	}
	err = sess.Connect(ctx, id)
	if errors.Is(err, session.ErrConnectionNotFound) {
		return errors.New(session.UserMessage(err))
	}
	if serr := st.SetLastConnection(id); serr != nil {
		logger.Warn("last_connection_save_failed", slog.String("connection_id", id), slog.String("error", serr.Error()))
	}
	if err != nil {
		return errors.New(session.UserMessage(err))
	}

	printed := session.StateIdle
	for {
		snap := sess.Snapshot()
		if snap.State != printed {
			printed = snap.State
			line := fmt.Sprintf("%s\t%s", snap.State, id)
			if snap.State == session.StateConnected && snap.Native.Valid() {
				line += fmt.Sprintf("\t%dx%d scale=%.3f", snap.Native.Width, snap.Native.Height, snap.Scale)
			}
			fmt.Fprintln(out, line)
		}
		switch snap.State {
		case session.StateError:
			return errors.New(snap.Message)
		case session.StateDisconnected:
			if snap.Error != "" {
				return errors.New(snap.Message)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			sess.Disconnect()
			fmt.Fprintln(out, session.StateDisconnected.String()+"\t"+id)
			return nil
		case <-changed:
		}
	}
}
