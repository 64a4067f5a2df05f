package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/allotment-engine/factory"
	"github.com/warp/allotment-engine/scheduling"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDateFlag(cmd *cobra.Command, name string) (scheduling.Date, error) {
	s, err := cmd.Flags().GetString(name)
	if err != nil || s == "" {
		return scheduling.Date{}, err
	}
	d, err := scheduling.ParseDate(s)
	if err != nil {
		return scheduling.Date{}, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

func promoteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote staged requests now inside the lead-time window",
		Long: `Runs the daily promotion once. Safe to repeat: staged requests already
processed are skipped. --from/--to limit the run to staged dates in that
window, for re-processing after an outage.`,
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime) error {
			today, err := parseDateFlag(cmd, "date")
			if err != nil {
				return err
			}
			from, err := parseDateFlag(cmd, "from")
			if err != nil {
				return err
			}
			to, err := parseDateFlag(cmd, "to")
			if err != nil {
				return err
			}
			result, err := rt.service.Promote(cmd.Context(), scheduling.SystemActor, today, from, to)
			if perr := printJSON(result); perr != nil && err == nil {
				err = perr
			}
			return err
		}),
	}
	cmd.Flags().String("date", "", "run as of this date (YYYY-MM-DD), default today UTC")
	cmd.Flags().String("from", "", "earliest staged date to promote")
	cmd.Flags().String("to", "", "latest staged date to promote (clamped to the window)")
	return cmd
}

func migrateZonesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate-zones",
		Short: "Seed zone allotments, audit member zones and fix staged request zones",
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime) error {
			year, _ := cmd.Flags().GetInt("year")
			report, err := rt.service.MigrateZones(cmd.Context(), scheduling.SystemActor, year)
			if perr := printJSON(report); perr != nil && err == nil {
				err = perr
			}
			return err
		}),
	}
	cmd.Flags().Int("year", 0, "allotment year to seed, default current year")
	return cmd
}

func seedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Apply a roster and allotment seed document (YAML or JSON)",
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime) error {
			if export, _ := cmd.Flags().GetBool("export"); export {
				seed, err := factory.NewRosterFactory(rt.service).Export(cmd.Context())
				if err != nil {
					return err
				}
				doc, err := seed.YAML()
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(doc)
				return err
			}
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				file = rt.cfg.RosterFile
			}
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			return applySeedFile(cmd.Context(), rt, file)
		}),
	}
	cmd.Flags().StringP("file", "f", "", "seed document path, default rosterFile from config")
	cmd.Flags().Bool("export", false, "write the current directory, roster and allotments as YAML instead")
	return cmd
}

func monitorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print partition metrics, or check alert thresholds",
		Long: `Without --division, checks every partition against the configured
thresholds and prints the alerts. Counts come from the database; latency
and error samples are per process, so they are empty in this command.`,
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime) error {
			division, _ := cmd.Flags().GetString("division")
			if division == "" {
				alerts, err := rt.service.Monitor.MonitorPerformance(cmd.Context(), rt.thresholds())
				if err != nil {
					return err
				}
				if alerts == nil {
					alerts = []string{}
				}
				return printJSON(map[string][]string{"alerts": alerts})
			}
			zone, _ := cmd.Flags().GetString("zone")
			window, _ := cmd.Flags().GetDuration("window")
			p := scheduling.NewPartition(scheduling.DivisionID(division), scheduling.ZoneID(zone))
			metrics, err := rt.service.Monitor.CollectMetrics(cmd.Context(), p, window)
			if err != nil {
				return err
			}
			return printJSON(metrics)
		}),
	}
	cmd.Flags().String("division", "", "division to report on")
	cmd.Flags().String("zone", "", "zone within the division")
	cmd.Flags().Duration("window", 0, "trailing window, default metricsWindow from config")
	return cmd
}
