package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/werkstatt-flow/api/internal/repositories"
)

const monthLayout = "2006-01"

func newAllocateCommand(a *app) *cobra.Command {
	var (
		period string
		peek   bool
	)
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Reserve the next invoice number",
		Long: `Reserve the next invoice number from the monthly counter and print it.

A reserved number is never reused. Use --peek to print the counter state
without reserving anything.`,
		Example: `  werkstattctl allocate
  werkstattctl allocate --peek`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, closeFn, err := a.container(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			out := cmd.OutOrStdout()

			if peek {
				counter, err := c.Repositories.Counters().Get(ctx, c.Config.Invoicing.CounterID)
				if repositories.IsNotFound(err) {
					fmt.Fprintln(out, "no invoice number allocated yet")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%04d-%02d last=%d\n", counter.Year, counter.Month, counter.LastNumber)
				return nil
			}

			at := a.now()
			if period != "" {
				parsed, err := time.Parse(monthLayout, period)
				if err != nil {
					return fmt.Errorf("invalid --period %q, want YYYY-MM", period)
				}
				at = parsed
			}
			number, err := c.Sequencer.AllocateAt(ctx, at)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, number)
			return nil
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "month to allocate in (YYYY-MM, default current month)")
	cmd.Flags().BoolVar(&peek, "peek", false, "print the counter without allocating")
	return cmd
}

func newInvoicesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoices",
		Short: "Export and reconcile invoices",
	}
	cmd.AddCommand(newInvoicesExportCommand(a), newInvoicesReconcileCommand(a))
	return cmd
}

func newInvoicesExportCommand(a *app) *cobra.Command {
	var month, outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the monthly invoice workbook",
		Example: `  werkstattctl invoices export --month 2025-11
  werkstattctl invoices export --month 2025-11 --out - > november.xlsx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			period, err := time.Parse(monthLayout, month)
			if err != nil {
				return fmt.Errorf("invalid --month %q, want YYYY-MM", month)
			}
			ctx := cmd.Context()
			c, closeFn, err := a.container(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			var buf bytes.Buffer
			count, err := c.Services.Exporter.ExportMonth(ctx, period.Year(), period.Month(), &buf)
			if err != nil {
				return err
			}

			if outPath == "" {
				outPath = fmt.Sprintf("rechnungen-%s.xlsx", period.Format(monthLayout))
			}
			if outPath == "-" {
				_, err = io.Copy(cmd.OutOrStdout(), &buf)
				return err
			}
			if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d invoices to %s\n", count, outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "invoice month (YYYY-MM)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file, - for stdout (default rechnungen-YYYY-MM.xlsx)")
	_ = cmd.MarkFlagRequired("month")
	return cmd
}

func newInvoicesReconcileCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Create invoices for completed orders that are still pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			ctx := cmd.Context()
			c, closeFn, err := a.container(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			report, err := c.Services.Invoices.ReconcilePendingInvoices(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scanned=%d created=%d skipped=%d failed=%d\n",
				report.Scanned, len(report.Created), len(report.Skipped), len(report.Failures))
			for _, number := range report.Created {
				fmt.Fprintf(out, "created %s\n", number)
			}
			for _, id := range sortedKeys(report.Skipped) {
				fmt.Fprintf(out, "skipped %s: %s\n", id, report.Skipped[id])
			}
			for _, id := range sortedKeys(report.Failures) {
				fmt.Fprintf(out, "failed %s: %s\n", id, report.Failures[id])
			}
			if len(report.Failures) > 0 {
				return fmt.Errorf("%d orders failed", len(report.Failures))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum orders to scan")
	return cmd
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
