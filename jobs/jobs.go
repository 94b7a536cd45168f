package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

type Pruner interface {
	Prune(before time.Time) (int64, error)
}

// SetupInBackground schedules the poll loop and history pruning. The scheduler
// isn't started.
func SetupInBackground(ctx context.Context, p *Poller, history Pruner, retention time.Duration) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}

	// A slow tick pushes the next one back rather than overlapping it
	_, err = s.NewJob(
		gocron.DurationJob(time.Second),
		gocron.NewTask(func() { p.Tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("poll"),
	)
	if err != nil {
		return nil, err
	}

	if history != nil && retention > 0 {
		_, err = s.NewJob(
			gocron.DurationJob(24*time.Hour),
			gocron.NewTask(PruneHistory, history, retention),
			gocron.WithStartAt(gocron.WithStartImmediately()),
			gocron.WithName("prune"),
		)
		if err != nil {
			return nil, err
		}
	}

	slog.Info("Jobs scheduled. Scheduler not running yet.")

	return s, nil
}

func PruneHistory(history Pruner, retention time.Duration) {
	removed, err := history.Prune(time.Now().Add(-retention))
	if err != nil {
		slog.Error("Failed to prune history", slog.String("error", err.Error()))
		return
	}
	slog.Info("Pruned history", slog.Int64("plays_removed", removed))
}
