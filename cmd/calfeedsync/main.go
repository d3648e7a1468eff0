// Command calfeedsync mirrors an iCalendar feed into a CalDAV calendar and
// cleans up duplicate events in the destination.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// Global flags
var (
	jsonOutput bool
	verbose    bool // keep component logs for one-shot commands
)

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#86b300",
		Dark:  "#c2d94c",
	})
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#f2ae49",
		Dark:  "#ffb454",
	})
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#f07171",
		Dark:  "#f07178",
	})
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#828c99",
		Dark:  "#6c7680",
	})
	boldStyle = lipgloss.NewStyle().Bold(true)
)

var rootCmd = &cobra.Command{
	Use:   "calfeedsync",
	Short: "Mirror an iCalendar feed into a CalDAV calendar",
	Long: `calfeedsync keeps a CalDAV calendar in step with a published iCalendar feed.

Configuration is read from the environment (and an optional .env file).

Examples:
  calfeedsync serve                       # Scheduler plus operator API
  calfeedsync sync --dry-run              # Show what one run would do
  calfeedsync analyze                     # List duplicate groups
  calfeedsync cleanup --apply --backup    # Delete duplicates, keeping a backup
  calfeedsync restore <operation-id>      # Recreate events from a backup`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !verbose && cmd.Name() != "serve" {
			log.SetOutput(io.Discard)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(operationsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(calendarsCmd)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
