package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/playwatch/playwatch/internal/playctl"
)

var (
	daemonURL = flag.String("daemon-url", "http://localhost:8430", "Playwatch daemon API URL")
	authToken = flag.String("auth-token", "", "Authentication token (or set PLAYCTL_AUTH_TOKEN env var)")
	format    = flag.String("format", "table", "Output format: table or json")
)

func main() {
	flag.Parse()

	if *authToken == "" {
		*authToken = os.Getenv("PLAYCTL_AUTH_TOKEN")
	}

	if *authToken == "" {
		fmt.Fprintf(os.Stderr, "Error: auth token required (--auth-token or PLAYCTL_AUTH_TOKEN env var)\n")
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	client := playctl.NewHTTPClient(*daemonURL, *authToken)

	switch args[0] {
	case "status":
		handleStatus(client)
	case "programs":
		handlePrograms(client, args[1:])
	case "sessions":
		handleSessions(client, args[1:])
	case "stats":
		handleStats(client, args[1:])
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		os.Exit(1)
	}
}

func handleStatus(client *playctl.HTTPClient) {
	programs, err := playctl.ListPrograms(client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(programs)
	} else {
		printProgramsTable(programs)
	}
}

func handlePrograms(client *playctl.HTTPClient, args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: programs command requires subcommand (list, add, remove)\n")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		handleStatus(client)

	case "add":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: programs add requires a match key\n")
			os.Exit(1)
		}
		matchKey := args[1]
		name := matchKey
		if len(args) >= 3 {
			name = args[2]
		}
		program, err := playctl.AddProgram(client, name, matchKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if *format == "json" {
			printJSON(program)
		} else {
			printProgramTable(program)
		}

	case "remove":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: programs remove requires program id\n")
			os.Exit(1)
		}
		if err := playctl.RemoveProgram(client, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("removed program %s\n", args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown programs subcommand %q\n", args[0])
		os.Exit(1)
	}
}

func handleSessions(client *playctl.HTTPClient, args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: sessions command requires program id\n")
		os.Exit(1)
	}

	sessions, err := playctl.ListSessions(client, args[0], 100)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(sessions)
	} else {
		printSessionsTable(sessions)
	}
}

func handleStats(client *playctl.HTTPClient, args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	rng := fs.String("range", "", "Range for half_year_distribution: 30d or 180d")
	refresh := fs.Bool("refresh", false, "Recompute before reading")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Error: stats command requires a metric (today_total, yesterday_total, weekly_by_program, monthly_trend, half_year_distribution, total_distribution)\n")
		os.Exit(1)
	}

	result, err := playctl.GetAnalytics(client, fs.Arg(0), *rng, *refresh)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *format == "json" {
		printJSON(result)
	} else {
		printAnalyticsTable(result)
	}
}

func printJSON(data interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func printProgramsTable(programs []playctl.ProgramJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMATCH_KEY\tRUNNING\tTOTAL")
	for _, p := range programs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
			p.ID, p.Name, p.MatchKey, p.IsRunning, formatDuration(p.TotalSeconds))
	}
	w.Flush()
}

func printProgramTable(program *playctl.ProgramJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintf(w, "ID\t%s\n", program.ID)
	fmt.Fprintf(w, "NAME\t%s\n", program.Name)
	fmt.Fprintf(w, "MATCH_KEY\t%s\n", program.MatchKey)
	fmt.Fprintf(w, "RUNNING\t%v\n", program.IsRunning)
	fmt.Fprintf(w, "TOTAL\t%s\n", formatDuration(program.TotalSeconds))
	w.Flush()
}

func printSessionsTable(sessions []playctl.SessionJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED_AT\tENDED_AT\tDURATION")
	for _, s := range sessions {
		endedAt := "-"
		if s.EndTime != nil {
			endedAt = s.EndTime.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.ID, s.StartTime.Format("2006-01-02 15:04:05"), endedAt, formatDuration(s.DurationSeconds))
	}
	w.Flush()
}

func printAnalyticsTable(result *playctl.AnalyticsResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintf(w, "METRIC\t%s\n", result.MetricType)
	fmt.Fprintf(w, "DATE_KEY\t%s\n", result.DateKey)
	fmt.Fprintf(w, "COMPUTED_AT\t%s\n", result.ComputedAt.Format("2006-01-02 15:04:05"))
	w.Flush()

	// The payload shape varies per metric, so print it as indented JSON
	// below the summary fields.
	var payload interface{}
	if err := json.Unmarshal(result.Payload, &payload); err == nil {
		printJSON(payload)
	}
}

func formatDuration(seconds int64) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `playctl - Playwatch CLI

Usage:
  playctl [global-flags] <command> [subcommand] [args]

Global Flags:
  -daemon-url string
        Playwatch daemon API URL (default "http://localhost:8430")
  -auth-token string
        Authentication token (or set PLAYCTL_AUTH_TOKEN env var)
  -format string
        Output format: table or json (default "table")

Commands:
  status                             List tracked programs with running state
  programs list                      Same as status
  programs add <match-key> [name]    Track a new program
  programs remove <id>               Stop tracking a program
  sessions <program-id>              List recent sessions for a program

  stats <metric> [-range 30d|180d] [-refresh]
                                     Read a cached analytics metric.
                                     Metrics: today_total, yesterday_total,
                                     weekly_by_program, monthly_trend,
                                     half_year_distribution, total_distribution

  help                               Show this help message

Examples:
  playctl -auth-token mytoken status
  playctl programs add stellaris.exe Stellaris
  playctl stats today_total
  playctl stats half_year_distribution -range 30d -refresh
  playctl -format json stats weekly_by_program
`)
}
