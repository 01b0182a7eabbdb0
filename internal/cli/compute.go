package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleet-monitor/analytics/internal/domain"
)

var vehicleDate string

var vehicleCmd = &cobra.Command{
	Use:   "vehicle <id>",
	Short: "Compute one vehicle's daily metrics",
	Args:  cobra.ExactArgs(1),
	RunE:  runVehicle,
}

var taskCmd = &cobra.Command{
	Use:   "task <id>",
	Short: "Recompute one task's metrics and status",
	Args:  cobra.ExactArgs(1),
	RunE:  runTask,
}

func init() {
	vehicleCmd.Flags().StringVar(&vehicleDate, "date", "", "metric date YYYY-MM-DD (default yesterday)")
	rootCmd.AddCommand(vehicleCmd)
	rootCmd.AddCommand(taskCmd)
}

func runVehicle(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	date, err := parseDate(vehicleDate, time.Now(), a.cfg.Location())
	if err != nil {
		return err
	}

	res, err := a.orch.RecomputeVehicleDay(ctx, args[0], date)
	if err != nil {
		return fmt.Errorf("compute vehicle %s: %w", args[0], err)
	}
	if res.Day == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "no telemetry for %s on %s\n", res.VehicleID, res.Date.Format(domain.DateLayout))
		return nil
	}

	out := map[string]interface{}{"day": recordOutput(res.Day), "samples": res.Samples}
	if res.Task != nil {
		out["task"] = recordOutput(res.Task)
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func runTask(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.orch.RecomputeTask(ctx, args[0])
	if err != nil {
		return fmt.Errorf("compute task %s: %w", args[0], err)
	}

	out := map[string]interface{}{
		"task_id":    res.Task.ID,
		"vehicle_id": res.Task.VehicleID,
		"from":       res.Transition.From,
		"status":     res.Transition.To,
		"samples":    res.Samples,
	}
	if res.Record != nil {
		out["metrics"] = recordOutput(res.Record)
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func recordOutput(rec *domain.MetricsRecord) map[string]interface{} {
	return map[string]interface{}{
		"metric_date":            rec.Key.DateString(),
		"task_id":                rec.Key.TaskID,
		"traveled_distance_km":   rec.TraveledDistanceKm,
		"work_duration_sec":      rec.WorkDurationSec,
		"stoppage_count":         rec.StoppageCount,
		"stoppage_duration_sec":  rec.StoppageDurationSec,
		"stoppage_while_on_sec":  rec.StoppageWhileOnSec,
		"stoppage_while_off_sec": rec.StoppageWhileOffSec,
		"average_speed_kph":      rec.AverageSpeedKph,
		"efficiency_percent":     rec.EfficiencyPercent,
		"device_on_at":           rec.DeviceOnAt,
		"first_movement_at":      rec.FirstMovementAt,
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
