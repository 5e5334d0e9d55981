package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/financehub/syncd/internal/config"
	"github.com/financehub/syncd/internal/state"
)

var flagStatusDate string

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync intents for a date",
		Long: `Display every sync intent recorded for a date: its slot, status,
retry count, and import counts. Defaults to today.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}

	cmd.Flags().StringVar(&flagStatusDate, "date", "", "date to inspect (YYYY-MM-DD, default today)")

	return cmd
}

// statusIntent is the JSON shape for one intent row.
type statusIntent struct {
	Entity     string `json:"entity"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	Status     string `json:"status"`
	Retries    int    `json:"retries"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	RowErrors  int    `json:"row_errors"`
	Error      string `json:"error,omitempty"`
}

// statusReport is the full JSON output of the status command.
type statusReport struct {
	Date      string         `json:"date"`
	DaemonPID int            `json:"daemon_pid,omitempty"`
	Intents   []statusIntent `json:"intents"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadOrDefault(configPath())
	if err != nil {
		return err
	}

	date := flagStatusDate
	if date == "" {
		date = state.DateOf(time.Now())
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("invalid --date %q (want YYYY-MM-DD): %w", date, err)
	}

	logger := buildLogger(cfg)

	store, err := state.NewStore(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	intents, err := store.ListForDate(cmd.Context(), date)
	if err != nil {
		return err
	}

	pid, err := readPIDFile(filepath.Join(filepath.Dir(cfg.DBPath), "syncd.pid"))
	if err != nil {
		logger.Debug("could not read PID file", "error", err)
	}

	report := buildStatusReport(date, pid, intents)

	if flagJSON {
		return printJSON(report)
	}

	printStatusText(report)

	return nil
}

// buildStatusReport flattens stored intents into the report shape shared by
// the text and JSON outputs.
func buildStatusReport(date string, pid int, intents []*state.Intent) statusReport {
	report := statusReport{Date: date, DaemonPID: pid, Intents: make([]statusIntent, 0, len(intents))}

	for _, in := range intents {
		report.Intents = append(report.Intents, statusIntent{
			Entity:     in.Key.String(),
			Date:       in.IntendedDate,
			Time:       in.IntendedTime,
			Status:     string(in.Status),
			Retries:    in.RetryCount,
			Inserted:   in.Result.Inserted,
			Duplicates: in.Result.Duplicates,
			RowErrors:  in.ErrorCount,
			Error:      in.ErrorMessage,
		})
	}

	return report
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printStatusText(report statusReport) {
	if report.DaemonPID > 0 {
		fmt.Printf("Daemon: running (pid %d)\n", report.DaemonPID)
	} else {
		fmt.Println("Daemon: not running")
	}

	if len(report.Intents) == 0 {
		fmt.Printf("No intents for %s.\n", report.Date)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tTIME\tSTATUS\tRETRIES\tINSERTED\tDUPLICATES\tROW ERRORS\tERROR")

	for _, in := range report.Intents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			in.Entity, in.Time, in.Status, in.Retries, in.Inserted, in.Duplicates, in.RowErrors, in.Error)
	}

	w.Flush()
}
