package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"renewd/internal/adminapi"
	"renewd/internal/app"
	"renewd/internal/billing"
	"renewd/internal/scheduler"
	"renewd/internal/subscription"
)

// ErrPassAborted makes run-now exit non-zero when the pass stopped early.
var ErrPassAborted = errors.New("pass did not complete")

func newRunNowCmd(o *rootOptions) *cobra.Command {
	var (
		at     string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run-now",
		Short: "Run one reminder pass immediately and print its summary",
		Example: `  renewd run-now
  renewd run-now --at 2025-02-27 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.openApp(cmd, app.WithLogsToStderr())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			now, err := resolveAt(a, at)
			if err != nil {
				return err
			}
			res, err := a.Scheduler().RunPass(cmd.Context(), now)
			out := cmd.OutOrStdout()
			if errors.Is(err, scheduler.ErrPassInProgress) {
				fmt.Fprintln(out, "a pass is already running; nothing to do")
				return nil
			}
			if asJSON {
				if jerr := writeJSON(out, res); jerr != nil {
					return jerr
				}
			} else {
				printPass(out, res)
			}
			if err != nil {
				return fmt.Errorf("%w: %w", ErrPassAborted, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate as of this instant (RFC 3339, or YYYY-MM-DD at daily_at)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the pass result as JSON")
	return cmd
}

func newPruneCmd(o *rootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete reminder records older than scheduler.retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.openApp(cmd, app.WithLogsToStderr())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			now, err := resolveAt(a, at)
			if err != nil {
				return err
			}
			n, err := a.Scheduler().Prune(cmd.Context(), now)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d reminder records\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "prune as of this instant (RFC 3339 or YYYY-MM-DD)")
	return cmd
}

func newSubsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subs",
		Aliases: []string{"subscriptions"},
		Short:   "Manage subscriptions",
	}

	var (
		p      subscription.NewParams
		next   string
		asJSON bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a subscription",
		Example: `  renewd subs add --name Netflix --price 15.49 --cycle monthly \
    --next 2025-07-01 --owner u1 --target 123456789`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.openApp(cmd, app.WithLogsToStderr())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			loc := a.Scheduler().Location()
			day, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(next), loc)
			if err != nil {
				return fmt.Errorf("--next: want YYYY-MM-DD: %w", err)
			}
			p.NextBillingDate = billing.Day(day, loc)
			sub, err := subscription.New(p, time.Now())
			if err != nil {
				return err
			}
			if err := a.Store().PutSubscription(cmd.Context(), sub); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sub.ID)
			return nil
		},
	}
	add.Flags().StringVar(&p.Name, "name", "", "display name")
	add.Flags().StringVar(&p.Price, "price", "0", "price, e.g. 9.99")
	add.Flags().StringVar(&p.Currency, "currency", "USD", "ISO 4217 code")
	add.Flags().StringVar(&p.Cycle, "cycle", string(subscription.Monthly), "billing cycle: monthly or yearly")
	add.Flags().StringVar(&next, "next", "", "next billing date, YYYY-MM-DD")
	add.Flags().StringVar(&p.OwnerUserID, "owner", "", "owner user id")
	add.Flags().StringVar(&p.NotificationTarget, "target", "", "transport target (chat id, device token)")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("next")
	_ = add.MarkFlagRequired("owner")

	list := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions by next billing date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.openApp(cmd, app.WithLogsToStderr())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			subs, err := a.Store().ListSubscriptions(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				if subs == nil {
					subs = []subscription.Subscription{}
				}
				return writeJSON(cmd.OutOrStdout(), subs)
			}
			loc := a.Scheduler().Location()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPRICE\tCYCLE\tNEXT\tTARGET")
			for _, s := range subs {
				fmt.Fprintf(tw, "%s\t%s\t%s %s\t%s\t%s\t%s\n",
					s.ID, s.Name, s.Price.StringFixed(2), s.Currency, s.Cycle,
					s.NextBillingDate.In(loc).Format(time.DateOnly), orDash(s.NotificationTarget))
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	rm := &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a subscription",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.openApp(cmd, app.WithLogsToStderr())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return a.Store().DeleteSubscription(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(add, list, rm)
	return cmd
}

func newRemindersCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Inspect and reset reminder records",
	}

	var (
		status string
		asJSON bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List reminder records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st subscription.Status
			if strings.TrimSpace(status) != "" {
				var err error
				if st, err = subscription.ParseStatus(status); err != nil {
					return err
				}
			}
			a, err := o.openApp(cmd, app.WithLogsToStderr())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			recs, err := a.Store().ListReminders(cmd.Context(), st)
			if err != nil {
				return err
			}
			if asJSON {
				if recs == nil {
					recs = []subscription.ReminderRecord{}
				}
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SUBSCRIPTION\tINSTANCE\tSTATUS\tATTEMPTS\tLAST_ERROR")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.SubscriptionID, r.InstanceKey, r.Status, r.Attempts, orDash(r.LastError))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter: pending, sent or failed_permanent")
	list.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	reset := &cobra.Command{
		Use:   "reset <subscription-id> <instance-key>",
		Short: "Make a failed or stuck reminder owed again",
		Long:  `Deletes a pending or failed_permanent record so the next pass may send it. Sent records cannot be reset.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.openApp(cmd, app.WithLogsToStderr())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			key := subscription.ReminderKey{SubscriptionID: args[0], InstanceKey: args[1]}
			if err := a.Store().ResetReminder(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", key)
			return nil
		},
	}

	cmd.AddCommand(list, reset)
	return cmd
}

func resolveAt(a *app.App, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now(), nil
	}
	snap := a.Scheduler().Snapshot()
	return adminapi.ParseAt(raw, a.Scheduler().Location(), snap.DailyAt)
}

func printPass(w io.Writer, r scheduler.PassResult) {
	fmt.Fprintf(w, "pass %s %s: loaded=%d normalized=%d due=%d sent=%d skipped=%d failed=%d invalid=%d released=%d took=%s\n",
		r.ID, r.Outcome, r.Loaded, r.Normalized, r.Due, r.Sent, r.Skipped, r.Failed, r.Invalid, r.Released, r.Took)
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s %s: %s\n", f.SubscriptionID, f.Reason, f.Error)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
