package crash

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hazyhaar/telemd/collector"
	"github.com/hazyhaar/telemd/observability"
	"github.com/hazyhaar/telemd/vtq"
)

// Worker consumes crash-processing jobs: it demangles the payload, runs
// guilty detection against a fresh blacklist snapshot and persists the
// attribution. Processing is idempotent; re-running over already processed
// records is safe because only processed=0 records are selected.
type Worker struct {
	store    *collector.Store
	registry *Registry
	events   *observability.EventLogger
	log      *slog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerEventLogger records attribution events to the observability store.
func WithWorkerEventLogger(el *observability.EventLogger) WorkerOption {
	return func(w *Worker) { w.events = el }
}

// WithWorkerLogger overrides the default slog logger.
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) { w.log = log }
}

// NewWorker creates a crash worker over the shared records store.
func NewWorker(store *collector.Store, registry *Registry, opts ...WorkerOption) *Worker {
	w := &Worker{store: store, registry: registry, log: slog.Default()}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Handle is the vtq handler for one queued crash job.
func (w *Worker) Handle(ctx context.Context, job *vtq.Job) error {
	var cj collector.CrashJob
	if err := json.Unmarshal(job.Payload, &cj); err != nil {
		// Malformed jobs can never succeed; ack and drop.
		w.log.Error("crash job unmarshal failed", "job_id", job.ID, "error", err)
		return nil
	}
	if !IsCrashClassification(cj.Classification) {
		return nil
	}
	return w.Process(ctx, cj.RecordID)
}

// Process attributes every unprocessed backtrace-class record, or a single
// record when id is nonzero. A record without a usable guilty candidate is
// logged and left unprocessed; it never fails the batch.
func (w *Worker) Process(ctx context.Context, id int64) error {
	records, err := w.store.RecordsForProcessing(ctx, BacktraceClasses(), id)
	if err != nil {
		return fmt.Errorf("crash: select records: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	blacklist, err := w.registry.BlacklistSnapshot(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if err := w.processOne(ctx, rec, blacklist); err != nil {
			return err
		}
	}
	return nil
}

// ProcessAll runs a full sweep over all unprocessed crash records.
func (w *Worker) ProcessAll(ctx context.Context) error {
	return w.Process(ctx, 0)
}

func (w *Worker) processOne(ctx context.Context, rec *collector.Record, blacklist Snapshot) error {
	demangled := DemangleBacktrace(rec.Payload)
	if demangled != rec.Payload {
		if err := w.store.UpdatePayload(ctx, rec.ID, demangled); err != nil {
			return err
		}
	}

	parsed := ParseBacktrace(rec.ID, demangled)
	fm, ok := Detect(parsed.Frames, blacklist)
	if !ok {
		w.log.Warn("no guilty candidate", "record_id", rec.ID, "classification", rec.Classification)
		return nil
	}

	guiltyID, err := w.registry.GetOrCreate(ctx, fm.Function, fm.Module)
	if err != nil {
		return err
	}
	if err := w.store.SetGuilty(ctx, rec.ID, guiltyID); err != nil {
		return err
	}

	if w.events != nil {
		w.events.LogEvent(ctx, observability.BusinessEvent{
			EventType:   "crash_attributed",
			ServiceName: "crash-worker",
			EntityType:  "record",
			EntityID:    strconv.FormatInt(rec.ID, 10),
			Action:      "attribute",
			Details:     fmt.Sprintf(`{"function":%q,"module":%q}`, fm.Function, fm.Module),
			Success:     true,
		})
	}
	return nil
}
