// Package reaper implements the three (plus one additive) background
// maintenance passes that keep a Run's steps moving without waiting on the
// agent that abandoned them: reclaiming steps an agent never completed,
// retrying failed steps past their cooldown, and failing runs that have
// overstayed their timeout. Spec.md §4.7.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"loomctl/internal/db/repositories"
	"loomctl/internal/scheduler"
	"loomctl/pkg/models"
)

// Config holds the reaper's tunable thresholds, all named in SPEC_FULL.md §2
// as environment variables. Zero values fall back to the spec's defaults.
type Config struct {
	IntervalSeconds         int
	AbandonedStepAgeMinutes int
	RetryCooldownMinutes    int
	RunTimeoutMinutes       int
	ArchiveEnabled          bool
	ArchiveDelayHours       int
}

func (c Config) withDefaults() Config {
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 60
	}
	if c.AbandonedStepAgeMinutes <= 0 {
		c.AbandonedStepAgeMinutes = 15
	}
	if c.RetryCooldownMinutes <= 0 {
		c.RetryCooldownMinutes = 5
	}
	if c.RunTimeoutMinutes <= 0 {
		c.RunTimeoutMinutes = 60
	}
	if c.ArchiveDelayHours <= 0 {
		c.ArchiveDelayHours = 24
	}
	return c
}

// Reaper drives the maintenance passes on a fixed interval via robfig/cron's
// "@every" scheduling, mirroring the teacher's SchedulerService wrapping of
// cron.Cron behind Start()/Stop().
type Reaper struct {
	cfg       Config
	repos     *repositories.Repositories
	cron      *cron.Cron
	publisher scheduler.Publisher
	notifier  scheduler.Notifier
	metrics   *metrics
}

func New(repos *repositories.Repositories, cfg Config) *Reaper {
	cfg = cfg.withDefaults()
	c := cron.New(cron.WithSeconds(), cron.WithLogger(cron.VerbosePrintfLogger(log.New(log.Writer(), "REAPER: ", log.LstdFlags))))
	return &Reaper{
		cfg:     cfg,
		repos:   repos,
		cron:    c,
		metrics: newMetrics(),
	}
}

func (r *Reaper) SetPublisher(p scheduler.Publisher) { r.publisher = p }
func (r *Reaper) SetNotifier(n scheduler.Notifier)   { r.notifier = n }

// Start registers the maintenance passes on the configured interval and
// starts the underlying cron scheduler.
func (r *Reaper) Start() error {
	spec := "@every " + (time.Duration(r.cfg.IntervalSeconds) * time.Second).String()

	if _, err := r.cron.AddFunc(spec, r.runPasses); err != nil {
		return err
	}
	r.cron.Start()
	log.Println("reaper started")
	return nil
}

// Stop stops the cron scheduler, waiting briefly for an in-flight pass to
// finish before forcing closed.
func (r *Reaper) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.cron.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Println("reaper stopped gracefully")
	case <-ctx.Done():
		log.Println("reaper stop timeout - forcing close")
	}
}

// runPasses runs all four maintenance passes once. Each pass is independent;
// an error in one is logged and does not prevent the others from running.
func (r *Reaper) runPasses() {
	ctx := context.Background()

	if n, err := r.reapAbandonedSteps(ctx); err != nil {
		log.Printf("reaper: abandoned-step pass failed: %v", err)
	} else if n > 0 {
		log.Printf("reaper: reset %d abandoned step(s)", n)
	}

	if n, err := r.retryFailedSteps(ctx); err != nil {
		log.Printf("reaper: retry pass failed: %v", err)
	} else if n > 0 {
		log.Printf("reaper: retried %d failed step(s)", n)
	}

	if n, err := r.timeoutRuns(ctx); err != nil {
		log.Printf("reaper: run-timeout pass failed: %v", err)
	} else if n > 0 {
		log.Printf("reaper: timed out %d run(s)", n)
	}

	if r.cfg.ArchiveEnabled {
		if n, err := r.archiveRuns(ctx); err != nil {
			log.Printf("reaper: archive pass failed: %v", err)
		} else if n > 0 {
			log.Printf("reaper: archived %d run(s)", n)
		}
	}
}

// reapAbandonedSteps resets running steps that have gone quiet longer than
// AbandonedStepAgeMinutes back to pending, per spec.md §4.7's first pass.
func (r *Reaper) reapAbandonedSteps(ctx context.Context) (int, error) {
	steps, err := r.repos.Steps.ListAbandoned(ctx, r.cfg.AbandonedStepAgeMinutes)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, step := range steps {
		if err := r.resetAbandonedStep(ctx, step); err != nil {
			log.Printf("reaper: reset abandoned step %s failed: %v", step.ID, err)
			continue
		}
		count++
		r.metrics.abandonedSteps.Inc()
		r.publish(scheduler.Event{Type: "step.reset", RunID: step.RunID, StepID: step.ID})
	}
	return count, nil
}

func (r *Reaper) resetAbandonedStep(ctx context.Context, step *models.Step) error {
	tx, err := r.repos.BeginTx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	n, err := r.repos.Steps.CompareAndSetStatusTx(ctx, tx, step.ID, models.StepStatusRunning, models.StepStatusPending)
	if err != nil {
		return err
	}
	if n == 0 {
		// Already moved on by the time the reaper got to it; nothing to do.
		return tx.Commit()
	}

	output := abandonedOutput(r.cfg.AbandonedStepAgeMinutes)
	if err := r.repos.Steps.UpdateOutputAndStatusTx(ctx, tx, step.ID, models.StepStatusPending, &output); err != nil {
		return err
	}
	return tx.Commit()
}

// retryFailedSteps resets failed steps that still have retries left and have
// sat past RetryCooldownMinutes back to pending, bumping retry_count.
func (r *Reaper) retryFailedSteps(ctx context.Context) (int, error) {
	steps, err := r.repos.Steps.ListRetryable(ctx, r.cfg.RetryCooldownMinutes)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, step := range steps {
		if err := r.retryFailedStep(ctx, step); err != nil {
			log.Printf("reaper: retry step %s failed: %v", step.ID, err)
			continue
		}
		count++
		r.metrics.retriedSteps.Inc()
		r.publish(scheduler.Event{Type: "step.retried", RunID: step.RunID, StepID: step.ID})
	}
	return count, nil
}

func (r *Reaper) retryFailedStep(ctx context.Context, step *models.Step) error {
	tx, err := r.repos.BeginTx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	n, err := r.repos.Steps.CompareAndSetStatusTx(ctx, tx, step.ID, models.StepStatusFailed, models.StepStatusPending)
	if err != nil {
		return err
	}
	if n == 0 {
		return tx.Commit()
	}

	output := retryCooldownOutput(step.RetryCount + 1)
	if err := r.repos.Steps.IncrementRetryAndResetTx(ctx, tx, step.ID, models.StepStatusPending, &output); err != nil {
		return err
	}
	return tx.Commit()
}

// timeoutRuns fails runs that have been running past RunTimeoutMinutes,
// along with any of their still-running steps, per spec.md §4.7's third
// pass.
func (r *Reaper) timeoutRuns(ctx context.Context) (int, error) {
	runs, err := r.repos.Runs.ListTimedOut(ctx, r.cfg.RunTimeoutMinutes)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, run := range runs {
		if err := r.timeoutRun(ctx, run); err != nil {
			log.Printf("reaper: timeout run %s failed: %v", run.ID, err)
			continue
		}
		count++
		r.metrics.timedOutRuns.Inc()
		r.publish(scheduler.Event{Type: scheduler.EventRunFailed, RunID: run.ID})
		if r.notifier != nil && run.NotifyURL != nil && *run.NotifyURL != "" {
			r.notifier.NotifyRunFinished(run.ID, *run.NotifyURL, string(models.RunStatusFailed))
		}
	}
	return count, nil
}

func (r *Reaper) timeoutRun(ctx context.Context, run *models.Run) error {
	tx, err := r.repos.BeginTx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = 'failed', updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = 'running'`, run.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tx.Commit()
	}

	running, err := r.repos.Steps.ListRunningByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	output := runTimeoutOutput(r.cfg.RunTimeoutMinutes)
	for _, step := range running {
		if err := r.repos.Steps.UpdateOutputAndStatusTx(ctx, tx, step.ID, models.StepStatusFailed, &output); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// archiveRuns marks terminal runs older than ArchiveDelayHours as archived,
// the additive fourth pass SPEC_FULL.md §4.7 adds for ARCHIVE_ENABLED.
func (r *Reaper) archiveRuns(ctx context.Context) (int, error) {
	ids, err := r.repos.Runs.ListArchivable(ctx, r.cfg.ArchiveDelayHours)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		if err := r.repos.Runs.Archive(ctx, id); err != nil {
			log.Printf("reaper: archive run %s failed: %v", id, err)
			continue
		}
		count++
	}
	return count, nil
}

func (r *Reaper) publish(e scheduler.Event) {
	if r.publisher != nil {
		r.publisher.Publish(e)
	}
}
