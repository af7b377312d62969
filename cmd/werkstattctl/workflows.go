package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/workflow"
)

var errTransitionDenied = errors.New("transition denied")

type workflowOutput struct {
	Service string            `json:"service"`
	Label   string            `json:"label"`
	Steps   []string          `json:"steps"`
	Portal  map[string]string `json:"portal_statuses"`
}

func newWorkflowsCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "workflows [service]",
		Short: "List the workflow steps of every service",
		Example: `  werkstattctl workflows
  werkstattctl workflows reifen --json
  werkstattctl workflows --overrides ./workflow.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := a.resolver()
			if err != nil {
				return err
			}
			catalog := resolver.Catalog()
			services := catalog.Services()
			if len(args) == 1 {
				service, ok := resolver.NormalizeService(args[0])
				if !ok {
					return fmt.Errorf("unknown service %q", args[0])
				}
				services = []domain.ServiceType{service}
			}

			out := make([]workflowOutput, 0, len(services))
			for _, service := range services {
				def, err := catalog.Definition(service)
				if err != nil {
					return err
				}
				portal := make(map[string]string, len(def.Steps))
				for _, step := range def.Steps {
					portal[step] = catalog.PortalStatus(service, step)
				}
				out = append(out, workflowOutput{Service: string(service), Label: def.Label, Steps: def.Steps, Portal: portal})
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVICE\tLABEL\tSTEPS")
			for _, wf := range out {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", wf.Service, wf.Label, strings.Join(wf.Steps, " > "))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newValidateCommand(a *app) *cobra.Command {
	var contextService string
	cmd := &cobra.Command{
		Use:   "validate <service> <from> <to>",
		Short: "Check whether a status transition is allowed",
		Long: `Run the transition rules without touching any order.

Forward moves of at most two steps are allowed. Backward moves, unknown
statuses and larger skips are denied; the command then exits non-zero.`,
		Example: `  werkstattctl validate lackier angenommen vorbereitung
  werkstattctl validate reifen angenommen qualitaetskontrolle`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := a.resolver()
			if err != nil {
				return err
			}
			validator, err := workflow.NewValidator(resolver)
			if err != nil {
				return err
			}
			service, ok := resolver.NormalizeService(args[0])
			if !ok {
				service = domain.ServiceType(args[0])
			}
			ctxService := service
			if contextService != "" {
				if normalized, ok := resolver.NormalizeService(contextService); ok {
					ctxService = normalized
				}
			}

			decision := validator.ValidateInContext(service, args[1], args[2], ctxService)
			if decision.Allowed {
				fmt.Fprintf(cmd.OutOrStdout(), "allowed: %s %s -> %s\n", service, decision.From, decision.To)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "denied (%s): %s\n", decision.Kind, decision.Reason)
			if decision.Kind.Overridable() {
				fmt.Fprintln(cmd.OutOrStdout(), "a werkstatt or admin user may override this transition")
			}
			return errTransitionDenied
		},
	}
	cmd.Flags().StringVar(&contextService, "context", "", "service used to resolve shared status tokens")
	return cmd
}
