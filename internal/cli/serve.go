package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleet-monitor/analytics/internal/auth"
	transport "fleet-monitor/analytics/internal/transport/http"
)

var noSchedule bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the trigger API and run the daily schedule",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "serve the API without the daily run and task sweep")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	log := a.log
	log.Info("fleetcalc starting", "version", Version, "config", cfgFile)

	health := []transport.Pinger{a.db, a.redis}
	if a.sqlite != nil {
		health = append(health, a.sqlite)
	}
	h := transport.NewHandler(transport.HandlerOptions{
		Runs:     a.orch,
		Tasks:    a.orch,
		Metrics:  a.metrics,
		Zones:    a.redis,
		Health:   health,
		Location: a.cfg.Location(),
	}, log)
	authenticator := auth.NewAuthenticator(a.cfg, a.redis, log)
	router := transport.NewRouter(h, transport.NewAuthMiddleware(authenticator), a.cfg.CORSOrigins)

	srv := &http.Server{
		Addr:              ":" + a.cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if !noSchedule {
		s := &scheduler{
			orch:       a.orch,
			hour:       a.cfg.DailyRunHour,
			loc:        a.cfg.Location(),
			sweepEvery: a.cfg.TaskSweepInterval(),
			now:        time.Now,
			log:        log,
		}
		go s.runDaily(ctx)
		go s.runSweeps(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	shutdownDone := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(shutdownDone)
		<-sigCh
		log.Info("shutdown signal received")
		signal.Stop(sigCh)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", "error", err)
		}

		for _, run := range a.orch.Runs() {
			if !run.Finished() {
				run.Cancel()
				if err := run.Wait(shutdownCtx); err != nil {
					log.Warn("run did not stop in time", "run_id", run.ID)
				}
			}
		}
	}()

	log.Info("fleetcalc ready", "addr", srv.Addr)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-shutdownDone
	log.Info("fleetcalc stopped")
	return nil
}
