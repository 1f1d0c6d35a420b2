package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/endpointd"
	"pkt.systems/endpointd/api"
)

type deliverFlags struct {
	deliveryID   string
	option       string
	method       string
	payloads     []string
	stepsFile    string
	withResource bool
	fanout       bool
	xid          string
	shared       bool
	mode         string
	startTimeout time.Duration
	waitTimeout  time.Duration
}

func (f deliverFlags) request(endpoint string, stdin io.Reader) (api.DeliverRequest, error) {
	req := api.DeliverRequest{
		DeliveryID:         f.deliveryID,
		Endpoint:           endpoint,
		Option:             f.option,
		Method:             f.method,
		Payloads:           f.payloads,
		WithResource:       f.withResource,
		Fanout:             f.fanout,
		Xid:                strings.TrimSpace(f.xid),
		Shared:             f.shared,
		Mode:               f.mode,
		StartTimeoutMillis: f.startTimeout.Milliseconds(),
		WaitTimeoutMillis:  f.waitTimeout.Milliseconds(),
	}
	if f.stepsFile == "" {
		return req, nil
	}
	var data []byte
	var err error
	if f.stepsFile == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(f.stepsFile)
	}
	if err != nil {
		return api.DeliverRequest{}, fmt.Errorf("read steps: %w", err)
	}
	if err := json.Unmarshal(data, &req.Steps); err != nil {
		return api.DeliverRequest{}, fmt.Errorf("parse steps: %w", err)
	}
	if len(req.Steps) == 0 {
		return api.DeliverRequest{}, fmt.Errorf("steps file %s holds no steps", f.stepsFile)
	}
	return req, nil
}

func newDeliverCommand(cfg *clientCLIConfig) *cobra.Command {
	var f deliverFlags
	cmd := &cobra.Command{
		Use:   "deliver <endpoint>",
		Short: "Deliver messages to an endpoint",
		Example: `
  # Option A: two messages, no demarcation calls
  endpointd deliver app#orders#OrdersMDB -p one -p two

  # Option B inside an imported transaction, then prepare and commit it
  endpointd deliver app#orders#OrdersMDB --option B --with-resource --xid 1:order-42:b1 -p one
  endpointd txn prepare 1:order-42:b1
  endpointd txn commit 1:order-42:b1

  # Explicit script from a file (JSON array of {kind, instance, method, payload})
  endpointd deliver app#orders#OrdersMDB --steps-file script.json
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			resp, err := cli.Deliver(cmd.Context(), req)
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
			} else if err := writeDeliverText(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if resp.Error != nil {
				return fmt.Errorf("delivery %s: %s (%s)", resp.DeliveryID, resp.Error.ErrorCode, resp.Error.Detail)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.deliveryID, "delivery-id", "", "delivery id (allocated by the server when empty)")
	flags.StringVar(&f.option, "option", "A", "canned script: A (invoke only) or B (beforeDelivery/invoke/afterDelivery)")
	flags.StringVarP(&f.method, "method", "m", endpointd.DefaultListenerMethod, "listener method")
	flags.StringArrayVarP(&f.payloads, "payload", "p", nil, "message payload (repeatable)")
	flags.StringVar(&f.stepsFile, "steps-file", "", "JSON delivery script (use - for stdin); overrides --option")
	flags.BoolVar(&f.withResource, "with-resource", false, "enlist a tracking transactional resource")
	flags.BoolVar(&f.fanout, "fanout", false, "send each payload to its own instance (option A only)")
	flags.StringVar(&f.xid, "xid", "", "import an external transaction (format:global:branch)")
	flags.BoolVar(&f.shared, "shared", false, "keep idle instances for later deliveries")
	flags.StringVar(&f.mode, "mode", "dowork", "work submission mode (nowork|dowork|startwork|schedulework)")
	flags.DurationVar(&f.startTimeout, "start-timeout", 0, "reject the delivery when it has not started in time")
	flags.DurationVar(&f.waitTimeout, "wait-timeout", 0, "give up waiting for the mode's notification state")
	return cmd
}

func newResultCommand(cfg *clientCLIConfig) *cobra.Command {
	var release bool
	cmd := &cobra.Command{
		Use:   "result <delivery-id>",
		Short: "Show (or drop) the result record of a delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			if release {
				released, err := cli.ReleaseResult(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if cfg.jsonOutput() {
					return writeJSON(cmd.OutOrStdout(), api.ReleaseResultResponse{DeliveryID: args[0], Released: released})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s released=%t\n", args[0], released)
				return err
			}
			res, err := cli.Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cfg.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			return writeResultText(cmd.OutOrStdout(), *res)
		},
	}
	cmd.Flags().BoolVar(&release, "release", false, "drop the record instead of printing it")
	return cmd
}

func writeDeliverText(out io.Writer, resp *api.DeliverResponse) error {
	if resp.Result == nil {
		_, err := fmt.Fprintf(out, "delivery %s accepted completed=%t\n", resp.DeliveryID, resp.Completed)
		return err
	}
	return writeResultText(out, *resp.Result)
}

func writeResultText(out io.Writer, res api.DeliveryResult) error {
	took := ""
	if !res.StartedAt.IsZero() && !res.CompletedAt.IsZero() {
		took = " took=" + res.CompletedAt.Sub(res.StartedAt).String()
	}
	if _, err := fmt.Fprintf(out, "delivery %s endpoint=%s messages=%s transacted=%t enlisted=%t commit=%t rollback=%t illegal_state=%t%s\n",
		res.DeliveryID, res.Endpoint, humanize.Comma(int64(res.MessagesDelivered)),
		res.DeliveryTransacted, res.ResourceEnlisted, res.CommitDriven, res.RollbackDriven, res.IllegalStateCaught, took,
	); err != nil {
		return err
	}
	if res.ListenerError != "" {
		if _, err := fmt.Fprintf(out, "  listener error: %s\n", res.ListenerError); err != nil {
			return err
		}
	}
	for _, in := range res.Instances {
		if _, err := fmt.Fprintf(out, "  instance %s messages=%d option_a=%t option_b=%t committed=%d rolled_back=%d violations=%d\n",
			in.ID, in.MessagesDelivered, in.OptionAUsed, in.OptionBUsed, in.Committed, in.RolledBack, in.Violations,
		); err != nil {
			return err
		}
	}
	return nil
}
