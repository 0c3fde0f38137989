package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts standard five-field expressions and descriptors such as @daily.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec is a valid cron expression.
func ValidateSpec(spec string) error {
	if _, err := Parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// Cron runs the daily pass in process on a cron schedule.
type Cron struct {
	c       *cron.Cron
	driver  *Driver
	logger  *slog.Logger
	loc     *time.Location
	timeout time.Duration
}

// NewCron registers driver's pass at spec, evaluated in loc.
func NewCron(spec string, loc *time.Location, timeout time.Duration, driver *Driver, logger *slog.Logger) (*Cron, error) {
	if loc == nil {
		loc = time.Local
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	s := &Cron{
		c:       cron.New(cron.WithParser(Parser), cron.WithLocation(loc)),
		driver:  driver,
		logger:  logger,
		loc:     loc,
		timeout: timeout,
	}
	if _, err := s.c.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("add schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Cron) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.driver.RunDaily(ctx, time.Now().In(s.loc))
	if err != nil {
		s.logger.Error("Scheduled pass failed", "error", err)
		return
	}
	s.logger.Info("Scheduled pass finished", "date", report.Date, "scheduled", report.Scheduled)
}

// Start begins firing the schedule.
func (s *Cron) Start() {
	s.c.Start()
	s.logger.Info("Daily scheduler started", "tz", s.loc.String())
}

// Stop halts the schedule and waits for a running pass to finish or ctx to end.
func (s *Cron) Stop(ctx context.Context) {
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.logger.Info("Daily scheduler stopped")
}
