package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	SamplesProcessed     atomic.Int64
	MetricsUpserts       atomic.Int64
	EmptyWindows         atomic.Int64
	EventsPublished      atomic.Int64
	EventPublishFailures atomic.Int64

	UnitsSucceeded atomic.Int64
	UnitsFailed    atomic.Int64
	UnitsSkipped   atomic.Int64
	UnitsCancelled atomic.Int64
	UnitRetries    atomic.Int64
	LockContended  atomic.Int64

	RunsStarted atomic.Int64
)

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "fleetcalc_samples_processed_total %d\n", SamplesProcessed.Load())
	fmt.Fprintf(w, "fleetcalc_metrics_upserts_total %d\n", MetricsUpserts.Load())
	fmt.Fprintf(w, "fleetcalc_empty_windows_total %d\n", EmptyWindows.Load())
	fmt.Fprintf(w, "fleetcalc_events_published_total %d\n", EventsPublished.Load())
	fmt.Fprintf(w, "fleetcalc_event_publish_failures_total %d\n", EventPublishFailures.Load())
	fmt.Fprintf(w, "fleetcalc_units_succeeded_total %d\n", UnitsSucceeded.Load())
	fmt.Fprintf(w, "fleetcalc_units_failed_total %d\n", UnitsFailed.Load())
	fmt.Fprintf(w, "fleetcalc_units_skipped_total %d\n", UnitsSkipped.Load())
	fmt.Fprintf(w, "fleetcalc_units_cancelled_total %d\n", UnitsCancelled.Load())
	fmt.Fprintf(w, "fleetcalc_unit_retries_total %d\n", UnitRetries.Load())
	fmt.Fprintf(w, "fleetcalc_lock_contended_total %d\n", LockContended.Load())
	fmt.Fprintf(w, "fleetcalc_runs_started_total %d\n", RunsStarted.Load())
}
