package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/calfeedsync/internal/calstore"
)

// calendarFinder is implemented by stores that can discover calendars.
type calendarFinder interface {
	FindCalendars(ctx context.Context) ([]calstore.Calendar, error)
}

var calendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "List calendars visible to the configured CalDAV account",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signalContext()
		defer stop()

		store, err := a.stores.Store(ctx)
		if err != nil {
			return err
		}
		finder, ok := store.(calendarFinder)
		if !ok {
			return errors.New("calendar store does not support discovery")
		}
		calendars, err := finder.FindCalendars(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(calendars)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "PATH\tNAME\tDESCRIPTION")
		for _, c := range calendars {
			path := c.Path
			if path == a.cfg.CalDAV.CalendarID {
				path = passStyle.Render(path + " *")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", path, c.Name, c.Description)
		}
		return w.Flush()
	},
}
