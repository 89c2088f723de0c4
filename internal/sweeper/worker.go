package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// SweepStalePurchasesArgs is the periodic job that fails pending ledger rows
// abandoned at checkout. Without it a pending row lingers forever once the
// buyer walks away.
type SweepStalePurchasesArgs struct {
	// OlderThan overrides the worker's default cutoff when set.
	OlderThan time.Duration `json:"older_than,omitempty"`
}

func (SweepStalePurchasesArgs) Kind() string { return "sweep_stale_purchases" }

// Ledger is the single ledger operation the sweeper needs.
type Ledger interface {
	FailStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type Worker struct {
	river.WorkerDefaults[SweepStalePurchasesArgs]
	ledger Ledger
	maxAge time.Duration
	log    *slog.Logger
	now    func() time.Time
}

func NewWorker(l Ledger, maxAge time.Duration, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{ledger: l, maxAge: maxAge, log: log, now: time.Now}
}

func (w *Worker) Work(ctx context.Context, job *river.Job[SweepStalePurchasesArgs]) error {
	age := job.Args.OlderThan
	if age <= 0 {
		age = w.maxAge
	}

	n, err := w.ledger.FailStale(ctx, w.now().Add(-age))
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Info("swept stale pending purchases", "count", n, "older_than", age.String())
	}
	return nil
}
