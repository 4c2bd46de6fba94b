package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/creditguard/credit"
)

// =============================================================================
// RECONCILE
// =============================================================================

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	Business string
	AutoFix  bool
	ActorID  string
	JSON     bool
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile every customer of a business with the bill ledger",
		Long: `Compares each customer's cached outstanding with the sum of unpaid bills.

Without --auto-fix drift is only reported (MISMATCH_DETECTED events).
With --auto-fix drifted balances are overwritten (RECONCILED events).

Examples:
  creditguard reconcile --business biz-1
  creditguard reconcile --business biz-1 --auto-fix --actor ops-oncall`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Business, "business", "", "business id (required)")
	cmd.Flags().BoolVar(&opts.AutoFix, "auto-fix", false, "overwrite drifted balances")
	cmd.Flags().StringVar(&opts.ActorID, "actor", "", "actor recorded on audit events")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the report as JSON")
	_ = cmd.MarkFlagRequired("business")

	return cmd
}

func runReconcile(ctx context.Context, out io.Writer, opts *ReconcileOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.ReconcileAll(ctx, credit.BusinessID(opts.Business), credit.ReconcileOptions{
		AutoFix: opts.AutoFix,
		ActorID: opts.ActorID,
	})
	if report != nil {
		if opts.JSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(report); encErr != nil {
				return encErr
			}
		} else {
			printReport(out, report)
		}
	}
	return err
}

func printReport(out io.Writer, r *credit.ReconcileReport) {
	fmt.Fprintf(out, "run %s  business=%s  auto_fix=%t\n", r.RunID, r.BusinessID, r.AutoFix)
	fmt.Fprintf(out, "total=%d drifted=%d fixed=%d failed=%d\n", r.Total, r.Drifted, r.Fixed, r.Failed)
	if len(r.Results) == 0 {
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CUSTOMER\tSTORED\tACTUAL\tDELTA\tSTATUS")
	for _, res := range r.Results {
		status := "ok"
		switch {
		case res.Err != "":
			status = "error: " + res.Err
		case res.Fixed:
			status = "fixed"
		case res.HasDrift:
			status = "drift"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", res.CustomerID, res.Stored, res.Actual, res.Delta, status)
	}
	tw.Flush()
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	*RootOptions
	Customer string
	Actions  []string
	Limit    int
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print a customer's audit trail, oldest first",
		Long: `Prints audit events of one customer.

Examples:
  creditguard audit --customer cus-1
  creditguard audit --customer cus-1 --action BLOCK --action OVERRIDE --limit 20`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Customer, "customer", "", "customer id (required)")
	cmd.Flags().StringSliceVar(&opts.Actions, "action", nil, "filter by action (repeatable)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events (0 = all)")
	_ = cmd.MarkFlagRequired("customer")

	return cmd
}

func runAudit(ctx context.Context, out io.Writer, opts *AuditOptions) error {
	filter := credit.AuditFilter{CustomerID: credit.CustomerID(opts.Customer), Limit: opts.Limit}
	for _, a := range opts.Actions {
		action := credit.AuditAction(strings.ToUpper(a))
		if !action.Valid() {
			return fmt.Errorf("unknown action %q", a)
		}
		filter.Actions = append(filter.Actions, action)
	}

	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.engine.AuditTrail(ctx, filter)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tACTION\tDELTA\tBEFORE\tAFTER\tACTOR\tREQUEST\tREASON")
	for _, e := range events {
		actor := e.ActorID
		if e.SystemInitiated() {
			actor = "system"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Timestamp.Format(time.RFC3339), e.Action, e.AmountDelta,
			e.BalanceBefore, e.BalanceAfter, actor, e.RequestID, e.Reason)
	}
	return tw.Flush()
}
