package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/endpointd/api"
)

// newTxnCommand exposes the terminator of imported transactions.
func newTxnCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "txn",
		Short:        "Complete imported transactions (prepare, commit, rollback, recover, forget)",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newTxnPrepareCommand(cfg),
		newTxnCommitCommand(cfg),
		newTxnSimpleCommand(cfg, "rollback", "Roll back an imported transaction"),
		newTxnSimpleCommand(cfg, "forget", "Drop the record of a completed imported transaction"),
		newTxnRecoverCommand(cfg),
	)
	return cmd
}

func newTxnPrepareCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare <xid>",
		Short: "Prepare an imported transaction and print the vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			resp, err := cli.TxnPrepare(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeTxn(cfg, cmd.OutOrStdout(), resp)
		},
	}
}

func newTxnCommitCommand(cfg *clientCLIConfig) *cobra.Command {
	var onePhase bool
	cmd := &cobra.Command{
		Use:   "commit <xid>",
		Short: "Commit an imported transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			resp, err := cli.TxnCommit(cmd.Context(), args[0], onePhase)
			if err != nil {
				return err
			}
			return writeTxn(cfg, cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().BoolVar(&onePhase, "one-phase", false, "commit an unprepared transaction in one phase")
	return cmd
}

func newTxnSimpleCommand(cfg *clientCLIConfig, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <xid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			var resp *api.TxnResponse
			if verb == "rollback" {
				resp, err = cli.TxnRollback(cmd.Context(), args[0])
			} else {
				resp, err = cli.TxnForget(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return writeTxn(cfg, cmd.OutOrStdout(), resp)
		},
	}
}

func newTxnRecoverCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "List prepared (in-doubt) and active imported transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			resp, err := cli.TxnRecover(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "in_doubt=%d %s\n", len(resp.Xids), strings.Join(resp.Xids, " ")); err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "active=%d %s\n", len(resp.Active), strings.Join(resp.Active, " "))
			return err
		},
	}
}

func writeTxn(cfg *clientCLIConfig, out io.Writer, resp *api.TxnResponse) error {
	if cfg.jsonOutput() {
		return writeJSON(out, resp)
	}
	line := resp.Xid
	if resp.Vote != "" {
		line += " vote=" + resp.Vote
	}
	if resp.Outcome != "" {
		line += " outcome=" + resp.Outcome
	}
	_, err := fmt.Fprintln(out, line)
	return err
}
