package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/financehub/syncd/internal/config"
	"github.com/financehub/syncd/internal/credential"
	"github.com/financehub/syncd/internal/engine"
)

var flagPlanDate string

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the slots the scheduler would assign",
		Long: `Dry-run the slot planner: print each enabled entity's execution time
for a date without creating intents or timers. Entities whose same-type
slots collide are shown at their staggered times, exactly as the daemon
would schedule them.`,
		Args: cobra.NoArgs,
		RunE: runPlan,
	}

	cmd.Flags().StringVar(&flagPlanDate, "date", "", "date to plan (YYYY-MM-DD, default today)")

	return cmd
}

// planSlot is the JSON shape for one planned slot.
type planSlot struct {
	Entity         string `json:"entity"`
	At             string `json:"at"` // HH:MM
	Table          string `json:"table"`
	HasCredentials bool   `json:"has_credentials"`
}

func runPlan(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	settings, err := config.Resolve(cfg)
	if err != nil {
		return err
	}

	date := time.Now()

	if flagPlanDate != "" {
		date, err = time.ParseInLocation("2006-01-02", flagPlanDate, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --date %q (want YYYY-MM-DD): %w", flagPlanDate, err)
		}
	}

	creds, err := credential.NewStore(settings.CredentialDir)
	if err != nil {
		return err
	}

	slots := engine.PlanSlots(settings, date)
	out := make([]planSlot, 0, len(slots))

	for _, s := range slots {
		out = append(out, planSlot{
			Entity:         s.Entity.Key.String(),
			At:             s.At.Format("15:04"),
			Table:          s.Entity.Table,
			HasCredentials: creds.Has(s.Entity.Key),
		})
	}

	if flagJSON {
		return printJSON(out)
	}

	printPlanText(out)

	return nil
}

func printPlanText(slots []planSlot) {
	if len(slots) == 0 {
		fmt.Println("No enabled entities to plan.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tAT\tTABLE\tCREDENTIALS")

	for _, s := range slots {
		creds := "present"
		if !s.HasCredentials {
			creds = "missing (will not be scheduled)"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Entity, s.At, s.Table, creds)
	}

	w.Flush()
}
