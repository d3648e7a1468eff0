package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/calfeedsync/internal/cleanup"
	"github.com/macjediwizard/calfeedsync/internal/db"
)

var (
	cleanupCalendars     []string
	cleanupMatchTypes    []string
	cleanupMinConfidence int
	cleanupTitle         string

	cleanupApply         bool
	cleanupBackup        bool
	cleanupMaxDeletions  int
	cleanupSkipAttendees bool
	cleanupGroups        []string
	operationsLimit      int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "List duplicate groups in the target calendars",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signalContext()
		defer stop()

		groups, err := a.cleanup.Analyze(ctx, a.calendarsOrDefault(cleanupCalendars), cleanupFilters())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(groups)
		}
		printGroups(groups)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete duplicate events, keeping one per group",
	Long: `Delete duplicate events found by analyze.

Without --apply the command only reports what it would delete. With --backup
every deleted event is copied to the database first so the operation can be
restored later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signalContext()
		defer stop()

		opts := cleanup.Options{
			Mode:              db.ModePreview,
			MaxDeletions:      cleanupMaxDeletions,
			SkipWithAttendees: cleanupSkipAttendees,
			Backup:            cleanupBackup,
			Filters:           cleanupFilters(),
			GroupIDs:          cleanupGroups,
		}
		if cleanupApply {
			opts.Mode = db.ModeApply
		}

		result, err := a.cleanup.Cleanup(ctx, a.calendarsOrDefault(cleanupCalendars), opts)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(result)
		}
		printCleanup(result)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <operation-id>",
	Short: "Recreate the events deleted by a cleanup operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signalContext()
		defer stop()

		result, err := a.cleanup.Restore(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(result)
		}
		fmt.Printf("%s restored %d, skipped %d, failed %d\n",
			statusLabel(result.Status), result.Restored, result.Skipped, result.Failed)
		for _, e := range result.Errors {
			fmt.Printf("  %s %s\n", failStyle.Render("error"), e)
		}
		return nil
	},
}

var operationsCmd = &cobra.Command{
	Use:   "operations [operation-id]",
	Short: "List cleanup and restore operations, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		var ops []*db.CleanupOperation
		if len(args) == 1 {
			op, err := a.cleanup.Operation(args[0])
			if err != nil {
				return err
			}
			ops = []*db.CleanupOperation{op}
		} else {
			ops, err = a.cleanup.Operations(operationsLimit)
			if err != nil {
				return err
			}
		}
		if jsonOutput {
			return printJSON(ops)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tMODE\tSTATUS\tGROUPS\tDELETED\tRESTORED\tSTARTED")
		for _, op := range ops {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				op.ID, op.Kind, op.Mode, statusLabel(op.Status),
				op.GroupsFound, op.Deleted, op.Restored,
				op.StartedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <operation-id>",
	Short: "Request cancellation of a running operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.cleanup.Cancel(args[0]); err != nil {
			return err
		}
		fmt.Println(warnStyle.Render("Cancellation requested for " + args[0]))
		return nil
	},
}

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export <operation-id>",
	Short: "Write the backup of a cleanup operation as an iCalendar file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		entries, err := a.cleanup.BackupEntries(args[0])
		if err != nil {
			return err
		}

		out := os.Stdout
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", exportOutput, err)
			}
			defer f.Close()
			out = f
		}
		if err := cleanup.ExportBackup(out, entries); err != nil {
			return err
		}
		if out != os.Stdout {
			fmt.Fprintf(os.Stderr, "Exported %d events to %s\n", len(entries), exportOutput)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{analyzeCmd, cleanupCmd} {
		c.Flags().StringSliceVar(&cleanupCalendars, "calendar", nil, "Calendar to scan (repeatable, defaults to the target calendar)")
		c.Flags().StringSliceVar(&cleanupMatchTypes, "match", nil, "Only groups of these match types: exact, fuzzy, pattern")
		c.Flags().IntVar(&cleanupMinConfidence, "min-confidence", 0, "Only groups at or above this confidence percent")
		c.Flags().StringVar(&cleanupTitle, "title", "", "Only groups whose title contains this text")
	}

	cleanupCmd.Flags().BoolVar(&cleanupApply, "apply", false, "Delete events instead of previewing")
	cleanupCmd.Flags().BoolVar(&cleanupBackup, "backup", true, "Back up deleted events so they can be restored")
	cleanupCmd.Flags().IntVar(&cleanupMaxDeletions, "max-deletions", 0, "Cap deletions for this run (0 uses the configured cap)")
	cleanupCmd.Flags().BoolVar(&cleanupSkipAttendees, "skip-attendees", false, "Never delete events that have attendees")
	cleanupCmd.Flags().StringSliceVar(&cleanupGroups, "group", nil, "Only clean these group IDs (repeatable)")

	operationsCmd.Flags().IntVar(&operationsLimit, "limit", 20, "Maximum operations to list")
	operationsCmd.AddCommand(cancelCmd)

	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")
}

func cleanupFilters() cleanup.Filters {
	f := cleanup.Filters{
		MinConfidence: cleanupMinConfidence,
		TitleContains: cleanupTitle,
	}
	for _, mt := range cleanupMatchTypes {
		f.MatchTypes = append(f.MatchTypes, cleanup.MatchType(strings.ToLower(strings.TrimSpace(mt))))
	}
	return f
}

func printGroups(groups []cleanup.DuplicateGroup) {
	if len(groups) == 0 {
		fmt.Println(passStyle.Render("✓ No duplicates found"))
		return
	}

	dupes := 0
	for _, g := range groups {
		dupes += len(g.Duplicates)
		fmt.Printf("%s %s  %s  %s\n",
			boldStyle.Render(g.Primary.Title),
			mutedStyle.Render(g.Primary.Start.Local().Format("2006-01-02 15:04")),
			warnStyle.Render(string(g.MatchType)+" "+g.Confidence.String()),
			mutedStyle.Render(g.ID))
		fmt.Printf("  keep    %s\n", g.Primary.ExternalID)
		for _, d := range g.Duplicates {
			fmt.Printf("  %s  %s\n", failStyle.Render("delete"), d.ExternalID)
		}
	}
	fmt.Printf("\n%d groups, %d duplicate events\n", len(groups), dupes)
}

func printCleanup(r *cleanup.CleanupResult) {
	fmt.Printf("%s %s  %s\n", statusLabel(r.Status), boldStyle.Render(string(r.Mode)), mutedStyle.Render(r.OperationID))
	for _, d := range r.Deletions {
		label := failStyle.Render("delete")
		if d.Skipped != "" {
			label = mutedStyle.Render("skip  ")
		}
		fmt.Printf("  %s  %s  %s", label, d.Event.Start.Local().Format("2006-01-02 15:04"), d.Event.Title)
		if d.Skipped != "" {
			fmt.Printf(" (%s)", d.Skipped)
		}
		fmt.Println()
	}
	fmt.Printf("groups %d, deleted %d, skipped %d, failed %d\n", len(r.Groups), r.Deleted, r.Skipped, r.Failed)
	if r.BackupID != "" {
		fmt.Printf("backup %s (restore with: calfeedsync restore %s)\n", r.BackupID, r.OperationID)
	}
	for _, e := range r.Errors {
		fmt.Printf("  %s %s\n", failStyle.Render("error"), e)
	}
}

func statusLabel(s db.OperationStatus) string {
	switch s {
	case db.StatusCompleted:
		return passStyle.Render("✓ " + string(s))
	case db.StatusFailed:
		return failStyle.Render("✗ " + string(s))
	case db.StatusCancelled:
		return warnStyle.Render("⚠ " + string(s))
	default:
		return mutedStyle.Render(string(s))
	}
}
