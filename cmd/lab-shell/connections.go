package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newConnectionsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List the configured remote-desktop connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			connections, _, err := newConnections(cfg)
			if err != nil {
				return err
			}
			all := connections.ListAll()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPROTOCOL\tHOST")
			for _, id := range connections.IDs() {
				p := all[id]
				host, _ := p.Parameters.Get("hostname")
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", id, p.DisplayName, p.Protocol, host)
			}
			return tw.Flush()
		},
	}
}

func newTokenCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token <connection-id>",
		Short: "Print the encrypted connection token for a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			connections, codec, err := newConnections(cfg)
			if err != nil {
				return err
			}
			p, ok := connections.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown connection %q", args[0])
			}
			tok, err := codec.Encode(cmd.Context(), p)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
}
