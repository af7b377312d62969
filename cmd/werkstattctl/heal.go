package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/werkstatt-flow/api/internal/services"
)

func newHealCommand(a *app) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "heal <order-id>",
		Short: "Report and optionally persist multi-service repairs of an order",
		Long: `Read the stored order, normalize its service fields and print every
correction. Services still tracked only by the legacy flat status fields
are listed as pending migration. With --write the healed shape is stored through an identity
status update of the primary service, so history and status stay untouched.`,
		Example: `  werkstattctl heal F-1042
  werkstattctl heal F-1042 --write`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, closeFn, err := a.container(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			store, err := services.NewStatusStore(c.Resolver, a.now)
			if err != nil {
				return err
			}
			raw, err := c.Repositories.Orders().FindByID(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load order %s: %w", args[0], err)
			}
			healed := store.SelfHeal(raw)
			migrations := store.Materialize(&healed.Order)

			out := cmd.OutOrStdout()
			if !healed.Changed() && len(migrations) == 0 {
				fmt.Fprintf(out, "order %s is healthy\n", args[0])
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ISSUE\tSERVICE\tDETAIL")
			for _, issue := range healed.Issues {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", issue.Kind, issue.Service, issue.Detail)
			}
			for service := range healed.Rewrite {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", "entry_rewritten", service, "stored entry replaced")
			}
			for _, service := range migrations {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", "migration_pending", service, "entry built from legacy fields")
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if !write {
				fmt.Fprintln(out, "dry run; pass --write to persist")
				return nil
			}

			primary := healed.Order.PrimaryService
			current, _ := store.StatusOf(&healed.Order, primary)
			result, err := c.Services.Statuses.Apply(ctx, services.ApplyStatusCommand{
				OrderID: args[0],
				Service: string(primary),
				Status:  current,
				Actor:   operator(),
				Note:    "werkstattctl heal",
			})
			if err != nil {
				return fmt.Errorf("persist healed order: %w", err)
			}
			fmt.Fprintf(out, "stored healed order %s (%d issues)\n", result.Order.ID, len(result.HealIssues))
			return nil
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "persist the healed order")
	return cmd
}
