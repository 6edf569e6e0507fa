package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/schedmate/schedmate/internal/billingsync"
	"github.com/schedmate/schedmate/pkg/billing"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "schedmate-billing",
		Short:         "SchedMate billing sync - keeps subscription status in step with the payment provider",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return billingsync.Run(cmd.Context(), Version)
		},
	}
	root.AddCommand(newServeCmd(), newSweepCmd(), newStatusCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, account API and scheduled sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return billingsync.Run(cmd.Context(), Version)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "SchedMate billing %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(cmd.Context(), "billing-sweep")
			if err != nil {
				return err
			}
			defer svc.Close()

			summary, err := svc.Sweeper.Sweep(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(summary); encErr != nil {
				return encErr
			}
			return err
		},
	}
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <account-id>",
		Short: "Show an account's stored and effective billing status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(cmd.Context(), "billing-cli")
			if err != nil {
				return err
			}
			defer svc.Close()

			rec, err := svc.Store.Get(cmd.Context(), billing.AccountKey(args[0]))
			if err != nil {
				return fmt.Errorf("load billing record: %w", err)
			}
			stored := rec != nil
			if !stored {
				rec = billing.ImplicitRecord(args[0])
			}
			eff := billing.Evaluate(rec, time.Now())

			if asJSON {
				return printStatusJSON(cmd.OutOrStdout(), rec, eff, stored)
			}
			printStatusTable(cmd.OutOrStdout(), rec, eff, stored)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func openServices(ctx context.Context, component string) (*billingsync.Services, error) {
	cfg, err := billingsync.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	billingsync.InitLogging(cfg, component)
	return billingsync.OpenServices(ctx, cfg)
}

type statusOutput struct {
	Record    *billing.Record         `json:"record"`
	Stored    bool                    `json:"stored"`
	Effective billing.EffectiveStatus `json:"effective"`
	Features  map[string]bool         `json:"features"`
}

func printStatusJSON(w io.Writer, rec *billing.Record, eff billing.EffectiveStatus, stored bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(statusOutput{
		Record:    rec,
		Stored:    stored,
		Effective: eff,
		Features:  billing.FeatureMap(rec, eff),
	})
}

func printStatusTable(w io.Writer, rec *billing.Record, eff billing.EffectiveStatus, stored bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "Account:\t%s\n", rec.AccountID)
	if !stored {
		fmt.Fprintf(tw, "Record:\tnone (implicit)\n")
	}
	fmt.Fprintf(tw, "Stored status:\t%s\n", rec.Status)
	fmt.Fprintf(tw, "Effective status:\t%s\n", eff.Status)
	fmt.Fprintf(tw, "Plan:\t%s\n", rec.Plan)
	fmt.Fprintf(tw, "Locked:\t%t\n", eff.Locked)
	if eff.TrialDaysLeft != nil {
		fmt.Fprintf(tw, "Trial days left:\t%d\n", *eff.TrialDaysLeft)
	}
	if eff.GraceUntil != nil {
		fmt.Fprintf(tw, "Grace until:\t%s\n", eff.GraceUntil.Format(time.RFC3339))
	}
	if rec.SubscriptionID != "" {
		fmt.Fprintf(tw, "Subscription:\t%s\n", rec.SubscriptionID)
	}
	fmt.Fprintf(tw, "Operations:\t%s\n", billing.BehaviorFor(rec, eff).Operations)

	fmt.Fprintln(tw, "\nFeature\tAllowed")
	for _, feature := range billing.Features() {
		fmt.Fprintf(tw, "%s\t%t\n", feature, billing.Can(rec, eff, feature))
	}
}
