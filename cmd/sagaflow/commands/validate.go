package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// specReport is the validation outcome of one spec.
type specReport struct {
	SmartCode      string   `json:"smart_code"`
	TenantID       string   `json:"tenant_id,omitempty"`
	Source         string   `json:"source,omitempty"`
	Valid          bool     `json:"valid"`
	Errors         []string `json:"errors,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	PolicyDenies   []string `json:"policy_denies,omitempty"`
	PolicyWarnings []string `json:"policy_warnings,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var payloadArg string

	cmd := &cobra.Command{
		Use:   "validate [smart_code]",
		Short: "Validate orchestration specs",
		Long: `Validate orchestration specs structurally and against the admission policies.

This command checks:
  - Node ids, run codes and compensation codes
  - Dependency references and cycles
  - when-clause syntax and node timeouts
  - Transaction boundary references
  - Policy compliance (OPA/rego)

Without a smart code every spec in the spec directory is checked.`,
		Example: `  # Validate every spec
  sagaflow validate

  # Validate the spec a tenant resolves to, with a sample payload
  sagaflow validate HERA.SALON.POS.CHECKOUT.v1 --tenant acme --payload @sample.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(payloadArg, cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, appNeeds{})
			if err != nil {
				return err
			}
			defer a.close()

			var specs []*engine.OrchestrationSpec
			if len(args) == 1 {
				spec, err := a.resolver.Resolve(ctx, args[0], tenantID)
				if err != nil {
					return err
				}
				specs = append(specs, spec)
			} else {
				refs, err := a.resolver.List(ctx)
				if err != nil {
					return err
				}
				for _, ref := range refs {
					spec, err := a.source.GetSpec(ctx, ref.SmartCode, ref.TenantID)
					if err != nil {
						return err
					}
					if spec != nil {
						specs = append(specs, spec)
					}
				}
			}

			log.Debug().Int("specs", len(specs)).Msg("Validating orchestration specs")

			reports := make([]specReport, 0, len(specs)+len(a.loadProblems))
			invalid := 0
			if len(args) == 0 {
				// Files that never registered have no smart code to report under.
				for _, problem := range a.loadProblems {
					reports = append(reports, specReport{Source: a.settings.SpecDir, Errors: []string{problem}})
					invalid++
				}
			}
			for _, spec := range specs {
				report := specReport{
					SmartCode: spec.SmartCode,
					TenantID:  spec.TenantID,
					Source:    spec.Source,
				}

				res := engine.Validate(spec)
				report.Valid = res.Valid
				report.Errors = res.Errors
				report.Warnings = res.Warnings
				if res.Valid {
					if _, err := engine.ValidateAndOrder(spec); err != nil {
						report.Valid = false
						report.Errors = append(report.Errors, err.Error())
					}
				}

				if a.checker != nil {
					result, err := a.checker.Evaluate(ctx, spec, spec.TenantID, payload)
					if err != nil {
						return fmt.Errorf("policy evaluation failed for %s: %w", spec.SmartCode, err)
					}
					report.PolicyDenies = result.DenyMessages()
					report.PolicyWarnings = result.WarningMessages()
					if len(report.PolicyDenies) > 0 {
						report.Valid = false
					}
				}

				if !report.Valid {
					invalid++
				}
				reports = append(reports, report)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					status := "OK"
					if !r.Valid {
						status = "INVALID"
					}
					name := r.SmartCode
					if name == "" {
						name = "(unloadable file)"
					}
					if r.TenantID != "" {
						name += " [" + r.TenantID + "]"
					}
					fmt.Fprintf(out, "%-7s %s\n", status, name)
					for _, e := range r.Errors {
						fmt.Fprintf(out, "        error: %s\n", e)
					}
					for _, d := range r.PolicyDenies {
						fmt.Fprintf(out, "        deny: %s\n", d)
					}
					for _, w := range append(r.Warnings, r.PolicyWarnings...) {
						fmt.Fprintf(out, "        warning: %s\n", w)
					}
				}
				fmt.Fprintf(out, "\n%d spec(s) checked, %d invalid\n", len(reports), invalid)
			}

			if invalid > 0 {
				return engine.NewValidationError("", []string{fmt.Sprintf("%d of %d spec(s) invalid", invalid, len(reports))})
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&payloadArg, "payload", "", "payload for policy evaluation (JSON, @file or -)")

	return cmd
}
