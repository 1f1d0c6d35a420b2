package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/endpointd/api"
)

func newEndpointsCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "endpoints",
		Aliases:      []string{"ep"},
		Short:        "Inspect and pause registered endpoints",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newEndpointsListCommand(cfg),
		newEndpointsStatusCommand(cfg),
		newEndpointsToggleCommand(cfg, "pause", "Suspend delivery to an endpoint"),
		newEndpointsToggleCommand(cfg, "resume", "Allow delivery to a paused endpoint"),
	)
	return cmd
}

func newEndpointsListCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			endpoints, err := cli.ListEndpoints(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), api.EndpointListResponse{Endpoints: endpoints})
			}
			for _, ep := range endpoints {
				if err := writeEndpointLine(cmd.OutOrStdout(), ep); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newEndpointsStatusCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Show the status of one endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			st, err := cli.EndpointStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			return writeEndpointLine(cmd.OutOrStdout(), *st)
		},
	}
}

func newEndpointsToggleCommand(cfg *clientCLIConfig, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			if verb == "pause" {
				err = cli.Pause(cmd.Context(), args[0])
			} else {
				err = cli.Resume(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			paused := verb == "pause"
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), api.EndpointToggleResponse{Name: args[0], Paused: paused})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s paused=%t\n", args[0], paused)
			return err
		},
	}
}

func writeEndpointLine(out io.Writer, ep api.EndpointStatus) error {
	state := "active"
	if ep.Paused {
		state = "paused"
		if !ep.PausedAt.IsZero() {
			state += " since " + humanize.Time(ep.PausedAt)
		}
	}
	kind := ep.Kind
	if kind == "" {
		kind = "-"
	}
	_, err := fmt.Fprintf(out, "%s\t%s\t%s\t%s\tadmitted=%s refused=%s instances=%s\n",
		ep.Name, ep.Attribute, kind, state,
		humanize.Comma(ep.Admitted), humanize.Comma(ep.Refused), humanize.Comma(ep.InstancesCreated),
	)
	return err
}
