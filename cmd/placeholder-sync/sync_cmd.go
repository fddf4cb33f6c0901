package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alexjbarnes/placeholder-sync/internal/engine"
	"github.com/alexjbarnes/placeholder-sync/reconcile"
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sync [path]",
		Short: "Run one sync pass over the whole tree or a subtree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := ""
			if len(args) == 1 {
				root = args[0]
			}

			a, err := openApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if dryRun {
				plan, invalid, err := a.engine.Plan(cmd.Context(), root)
				if err != nil {
					return err
				}

				printPlan(cmd.OutOrStdout(), plan, invalid)

				return nil
			}

			result, err := a.engine.SyncScope(cmd.Context(), root)
			if err != nil {
				return err
			}

			printPassResult(cmd.OutOrStdout(), result)

			if result.Failed > 0 {
				return fmt.Errorf("%d of %d instructions failed", result.Failed, result.Planned)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without touching anything")

	return cmd
}

func printPlan(w io.Writer, plan *reconcile.Plan, invalid []*reconcile.InputError) {
	phases := []struct {
		name         string
		instructions []reconcile.Instruction
	}{
		{"directories", plan.Directories},
		{"renames", plan.Renames},
		{"transfers", plan.Transfers},
		{"removals", plan.Removals},
	}

	for _, phase := range phases {
		if len(phase.instructions) == 0 {
			continue
		}

		fmt.Fprintf(w, "%s:\n", phase.name)

		for _, ins := range phase.instructions {
			fmt.Fprintf(w, "  %s\n", describe(ins))
		}
	}

	for _, ie := range invalid {
		fmt.Fprintf(w, "invalid: %s\n", ie)
	}

	fmt.Fprintf(w, "%d instruction(s) planned\n", plan.Len())
}

func describe(ins reconcile.Instruction) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%-15s %-6s %s", ins.Kind, ins.Target, ins.Path)

	if ins.Kind == reconcile.InstructionRename {
		fmt.Fprintf(&b, " (from %s)", ins.From)
	}

	return b.String()
}

func printPassResult(w io.Writer, r *engine.PassResult) {
	fmt.Fprintf(w, "pass %s: %d planned, %d applied, %d failed, %d conflicts, %d deferred in %s\n",
		r.ID, r.Planned, r.Applied, r.Failed, r.Conflicts, r.Deferred,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	for _, s := range r.Skipped {
		fmt.Fprintf(w, "  skipped subtree: %s\n", s)
	}

	for _, ie := range r.Invalid {
		fmt.Fprintf(w, "  invalid: %s\n", ie)
	}

	for _, pe := range r.Errors {
		fmt.Fprintf(w, "  failed: %s\n", pe)
	}
}
