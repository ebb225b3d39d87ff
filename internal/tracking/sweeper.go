package tracking

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Sweeper periodically closes routes of vehicles that stopped reporting.
type Sweeper struct {
	cron     *cron.Cron
	service  *Service
	schedule string
}

// NewSweeper creates a sweeper running on the given cron schedule, e.g. "@every 1m".
func NewSweeper(service *Service, schedule string) *Sweeper {
	return &Sweeper{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		service:  service,
		schedule: schedule,
	}
}

// Start registers the job and starts the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return err
	}
	s.cron.Start()
	log.WithField("schedule", s.schedule).Info("Idle route sweeper started")
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Idle route sweeper stopped")
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	closed, err := s.service.CloseIdleRoutes(ctx)
	if err != nil {
		log.WithError(err).Error("Idle route sweep failed")
		return
	}
	if closed > 0 {
		log.WithField("closed", closed).Info("Closed idle routes")
	}
}
