package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/calfeedsync/internal/reconcile"
	"github.com/macjediwizard/calfeedsync/internal/resolver"
)

var syncDryRun bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation of the feed into the target calendar",
	Long: `Fetch the feed, match every occurrence against the target calendar and
create or update events as needed.

With --dry-run nothing is written; the decision for each occurrence is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signalContext()
		defer stop()

		if syncDryRun {
			steps, err := a.orchestrator.Preview(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(steps)
			}
			printSteps(steps)
			return nil
		}

		result := a.orchestrator.Run(ctx)
		if jsonOutput {
			if err := printJSON(result); err != nil {
				return err
			}
		} else {
			printResult(result)
		}
		if !result.Success {
			return fmt.Errorf("sync %s: %s", result.State, result.Message)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Show decisions without writing to the calendar")
}

func printSteps(steps []reconcile.Step) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ACTION\tSTART\tTITLE\tCONFIDENCE\tREASON")

	counts := map[resolver.Action]int{}
	for _, s := range steps {
		counts[s.Decision.Action]++
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			actionLabel(s.Decision.Action),
			s.Event.Start.Format("2006-01-02 15:04"),
			s.Event.Title,
			s.Decision.Confidence,
			s.Decision.Reason,
		)
	}
	w.Flush()

	fmt.Printf("\n%s %d create, %d update, %d skip\n",
		boldStyle.Render("Plan:"),
		counts[resolver.ActionCreate], counts[resolver.ActionUpdate], counts[resolver.ActionSkip])
}

func actionLabel(a resolver.Action) string {
	switch a {
	case resolver.ActionCreate:
		return passStyle.Render(string(a))
	case resolver.ActionUpdate:
		return warnStyle.Render(string(a))
	default:
		return mutedStyle.Render(string(a))
	}
}

func printResult(r *reconcile.Result) {
	status := passStyle.Render("✓ " + string(r.State))
	if !r.Success {
		status = failStyle.Render("✗ " + string(r.State))
	}
	fmt.Printf("%s  %s\n", status, mutedStyle.Render(r.ID))
	fmt.Printf("  processed %d, created %d, updated %d, skipped %d, duplicates resolved %d\n",
		r.EventsProcessed, r.Created, r.Updated, r.Skipped, r.DuplicatesResolved)
	fmt.Printf("  %s in %s\n", r.Message, r.Duration.Round(time.Millisecond))
	for _, e := range r.Errors {
		fmt.Printf("  %s %s (%s): %s\n", failStyle.Render("error"), e.EventID, e.Action, e.Message)
	}
}
