// Package lifecycle runs the background sweeper that purges trash past its
// retention window and trims the activity log.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/unpload/unpload/internal/metrics"
	"github.com/unpload/unpload/internal/trash"
)

// TrashPurger purges expired tombstones
type TrashPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (*trash.PurgeReport, error)
}

// ActivityPurger drops activity entries older than a number of days
type ActivityPurger interface {
	Purge(ctx context.Context, olderThanDays int) (int, error)
}

// Worker periodically sweeps expired trash
type Worker struct {
	trash             TrashPurger
	activity          ActivityPurger
	activityRetention func() int
	metrics           metrics.Manager
	now               func() time.Time

	ticker   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWorker creates a sweeper. activity may be nil; activityRetention returns
// the current retention in days, and <= 0 keeps entries forever.
func NewWorker(purger TrashPurger, activity ActivityPurger, activityRetention func() int, m metrics.Manager) *Worker {
	if m == nil {
		m = metrics.Nop()
	}
	if activityRetention == nil {
		activityRetention = func() int { return 0 }
	}
	return &Worker{
		trash:             purger,
		activity:          activity,
		activityRetention: activityRetention,
		metrics:           m,
		now:               time.Now,
		stopChan:          make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Start begins sweeping every interval until Stop or ctx cancellation
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	w.ticker = time.NewTicker(interval)

	logrus.WithField("interval", interval).Info("Trash sweeper started")

	go func() {
		defer close(w.done)
		defer w.ticker.Stop()

		w.RunOnce(ctx)
		for {
			select {
			case <-w.ticker.C:
				w.RunOnce(ctx)
			case <-w.stopChan:
				logrus.Info("Trash sweeper stopped")
				return
			case <-ctx.Done():
				logrus.Info("Trash sweeper stopped due to context cancellation")
				return
			}
		}
	}()
}

// Stop stops the sweeper and waits for a running sweep to finish
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	if w.ticker != nil {
		<-w.done
	}
}

// RunOnce performs a single sweep
func (w *Worker) RunOnce(ctx context.Context) {
	start := time.Now()
	logrus.Debug("Sweeping expired trash...")

	report, err := w.trash.PurgeExpired(ctx, w.now())
	w.metrics.RecordBackgroundTask("trash_sweep", time.Since(start), err == nil)
	if err != nil {
		entry := logrus.WithError(err)
		if report != nil {
			entry = entry.WithFields(logrus.Fields{
				"purged_files":   report.PurgedFiles,
				"purged_folders": report.PurgedFolders,
				"failures":       len(report.Failures),
			})
		}
		entry.Error("Trash sweep did not complete")
	}

	w.trimActivity(ctx)
}

func (w *Worker) trimActivity(ctx context.Context) {
	if w.activity == nil {
		return
	}
	days := w.activityRetention()
	if days <= 0 {
		return
	}

	start := time.Now()
	removed, err := w.activity.Purge(ctx, days)
	w.metrics.RecordBackgroundTask("activity_trim", time.Since(start), err == nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to trim activity log")
		return
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"removed":        removed,
			"retention_days": days,
		}).Info("Trimmed activity log")
	}
}
