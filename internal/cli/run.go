package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleet-monitor/analytics/internal/batch"
)

var (
	runDate      string
	runChunkSize int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compute daily metrics for the whole fleet",
	Long: `Compute the daily metrics of every active vehicle for one date and wait
for the run to finish. Ctrl-C cancels the run; finished vehicles keep their
results.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runDate, "date", "", "metric date YYYY-MM-DD (default yesterday)")
	runCmd.Flags().IntVar(&runChunkSize, "chunk-size", 0, "vehicles per batch (default from config)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	date, err := parseDate(runDate, time.Now(), a.cfg.Location())
	if err != nil {
		return err
	}

	a.orch.OnBatchComplete = func(run *batch.Run, b *batch.Batch) {
		p := b.Progress()
		fmt.Fprintf(cmd.OutOrStdout(), "batch %d/%d: %d processed, %d failed, %d skipped\n",
			b.Index+1, len(run.Batches), p.Processed, p.Failed, p.Skipped)
	}

	run, err := a.orch.DispatchFleetComputation(ctx, date, runChunkSize)
	if err != nil {
		return err
	}

	select {
	case <-run.Done():
	case <-ctx.Done():
		a.log.Warn("interrupted, cancelling run", "run_id", run.ID)
		run.Cancel()
		<-run.Done()
	}

	p := run.Progress()
	fmt.Fprintf(cmd.OutOrStdout(), "run %s (%s): %d/%d processed, %d failed, %d skipped, %d cancelled\n",
		run.ID, run.Window, p.Processed, p.Total, p.Failed, p.Skipped, p.Cancelled)
	if p.Failed > 0 {
		return fmt.Errorf("%d vehicles failed", p.Failed)
	}
	return nil
}
