package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samplesafe/clearance/confirm"
	"github.com/samplesafe/clearance/ledger"
	"github.com/samplesafe/clearance/logger"
	"github.com/samplesafe/clearance/metrics"
	"github.com/samplesafe/clearance/types"
)

// Job is one submitted transfer awaiting confirmation. Jobs carry everything
// a worker needs so a restarted process can rebuild them from the ledger
// alone.
type Job struct {
	AttemptID string
	InvoiceID string
	TxRef     string
	Deadline  time.Time
}

// Watcher polls submitted on-chain transfers until they confirm, revert or
// run past their deadline. A fixed pool of workers drains the job queue; each
// worker owns one job at a time and polls it on the configured interval.
type Watcher struct {
	ledger   ledger.Ledger
	tracker  *confirm.Tracker
	interval time.Duration
	jobs     chan Job
	log      logger.Logger
	rec      metrics.Recorder
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// NewWatcher builds a watcher and starts its worker pool. Workers idle on the
// job queue until the orchestrator or Resume enqueues work.
func NewWatcher(led ledger.Ledger, tracker *confirm.Tracker, interval time.Duration, workers int, log logger.Logger, rec metrics.Recorder) *Watcher {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		ledger:   led,
		tracker:  tracker,
		interval: interval,
		jobs:     make(chan Job, workers*4),
		log:      log,
		rec:      rec,
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
	}
	w.start(workers)
	return w
}

// WithClock overrides the watcher's clock, for tests.
func (w *Watcher) WithClock(now func() time.Time) *Watcher {
	w.now = now
	return w
}

func (w *Watcher) start(n int) {
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go w.run()
	}
}

// Enqueue hands a job to the worker pool. It blocks if the queue is full,
// which backpressures the orchestrator rather than dropping a tracked
// payment.
func (w *Watcher) Enqueue(job Job) {
	select {
	case w.jobs <- job:
	case <-w.ctx.Done():
	}
}

// Resume reloads every pending attempt with an external reference from the
// ledger and re-enqueues it. Called on startup so in-flight confirmations
// survive a process restart.
func (w *Watcher) Resume() error {
	attempts, err := w.ledger.PendingAttempts()
	if err != nil {
		return err
	}
	for _, a := range attempts {
		w.Enqueue(Job{
			AttemptID: a.ID,
			InvoiceID: a.InvoiceID,
			TxRef:     a.ExternalRef,
			Deadline:  a.Deadline,
		})
	}
	if len(attempts) > 0 {
		w.log.Info("resumed pending confirmations", map[string]any{"count": len(attempts)})
	}
	return nil
}

// Stop cancels all workers and waits for them to drain. In-flight jobs are
// abandoned mid-poll; their attempts stay pending in the ledger and Resume
// picks them up on the next start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		w.wg.Wait()
	})
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case job := <-w.jobs:
			w.track(job)
		}
	}
}

// track polls one job to a terminal state. The first poll happens
// immediately; subsequent polls follow the interval.
func (w *Watcher) track(job Job) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.now().After(job.Deadline) {
			w.expire(job)
			return
		}
		if done := w.poll(job); done {
			return
		}

		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs one confirmation query and reports whether the job reached a
// terminal state.
func (w *Watcher) poll(job Job) bool {
	res, err := w.tracker.Poll(w.ctx, job.TxRef)
	if err != nil {
		// Provider outages are transient; keep the attempt pending and
		// poll again on the next tick.
		w.rec.IncCounter("confirm_provider_error", nil)
		w.log.Warn("confirmation poll failed", map[string]any{
			"txRef": job.TxRef,
			"error": err.Error(),
		})
		return false
	}

	switch res.Status {
	case types.TrackConfirmed:
		w.confirmed(job, res.Confirmations)
		return true
	case types.TrackFailed:
		w.reverted(job)
		return true
	default:
		return false
	}
}

func (w *Watcher) confirmed(job Job, confirmations uint64) {
	if _, err := w.ledger.MarkPaid(job.InvoiceID, job.AttemptID, job.TxRef, w.now()); err != nil {
		// A concurrent attempt won the invoice; this transfer still
		// happened, so the failure reason records the conflict.
		if types.IsCode(err, types.ErrAlreadySettled) {
			w.closeAttempt(job.AttemptID, types.AttemptFailed, types.ErrAlreadySettled)
			return
		}
		w.log.Error("failed to mark invoice paid", map[string]any{
			"invoiceId": job.InvoiceID,
			"txRef":     job.TxRef,
			"error":     err.Error(),
		})
		return
	}
	w.closeAttempt(job.AttemptID, types.AttemptSucceeded, "")
	w.rec.IncCounter("confirm_success", nil)
	w.log.Info("transfer confirmed", map[string]any{
		"invoiceId":     job.InvoiceID,
		"txRef":         job.TxRef,
		"confirmations": confirmations,
	})
}

func (w *Watcher) reverted(job Job) {
	w.closeAttempt(job.AttemptID, types.AttemptFailed, "transaction reverted")
	w.rec.IncCounter("confirm_reverted", nil)
	w.log.Warn("transfer reverted on chain", map[string]any{
		"invoiceId": job.InvoiceID,
		"txRef":     job.TxRef,
	})
}

func (w *Watcher) expire(job Job) {
	w.closeAttempt(job.AttemptID, types.AttemptFailed, types.ErrConfirmationTimeout)
	w.rec.IncCounter("confirm_timeout", nil)
	w.log.Warn("confirmation deadline exceeded", map[string]any{
		"invoiceId": job.InvoiceID,
		"txRef":     job.TxRef,
		"deadline":  job.Deadline.Format(time.RFC3339),
	})
}

func (w *Watcher) closeAttempt(attemptID string, outcome types.AttemptOutcome, reason string) {
	if err := w.ledger.CloseAttempt(attemptID, outcome, reason); err != nil {
		w.log.Error("failed to close attempt", map[string]any{
			"attemptId": attemptID,
			"error":     err.Error(),
		})
	}
}

// Reconcile re-checks attempts that were closed as timed out and recovers
// confirmations that landed after the deadline. The transfer was real money;
// a late block must still flip the invoice to paid rather than strand it
// unpaid next to a settled transfer.
func (w *Watcher) Reconcile(ctx context.Context) (int, error) {
	attempts, err := w.ledger.TimedOutAttempts()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, a := range attempts {
		res, err := w.tracker.Poll(ctx, a.ExternalRef)
		if err != nil {
			w.log.Warn("reconcile poll failed", map[string]any{
				"attemptId": a.ID,
				"txRef":     a.ExternalRef,
				"error":     err.Error(),
			})
			continue
		}
		if res.Status != types.TrackConfirmed {
			continue
		}

		if _, err := w.ledger.MarkPaid(a.InvoiceID, a.ID, a.ExternalRef, w.now()); err != nil {
			if !types.IsCode(err, types.ErrAlreadySettled) {
				return recovered, fmt.Errorf("reconcile invoice %s: %w", a.InvoiceID, err)
			}
			continue
		}
		w.closeAttempt(a.ID, types.AttemptSucceeded, "")
		recovered++
		w.rec.IncCounter("confirm_reconciled", nil)
		w.log.Info("late confirmation reconciled", map[string]any{
			"invoiceId": a.InvoiceID,
			"txRef":     a.ExternalRef,
		})
	}
	return recovered, nil
}
