package metrics

import (
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper prunes idle metric keys on a cron schedule so the store does
// not grow without bound across provider churn.
type Sweeper struct {
	cron   *cron.Cron
	store  *Store
	logger *logrus.Logger
}

// NewSweeper schedules retention sweeps against store. The schedule uses
// standard cron syntax, e.g. "0 * * * *" for hourly.
func NewSweeper(store *Store, schedule string, logger *logrus.Logger) (*Sweeper, error) {
	s := &Sweeper{
		cron:   cron.New(),
		store:  store,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running scheduled sweeps.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) run() {
	removed := s.store.SweepStale(s.store.Retention())
	if removed > 0 {
		s.logger.WithFields(logrus.Fields{
			"removed":   removed,
			"retention": s.store.Retention(),
		}).Info("Pruned stale metric keys")
	}
}
