package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper announces SLA breaches for open tickets.
type Sweeper interface {
	SweepSLABreaches(ctx context.Context) (int, error)
}

// SLASweeper runs the breach sweep on a cron schedule.
type SLASweeper struct {
	sweeper  Sweeper
	schedule cron.Schedule
	logger   *zap.Logger
}

// NewSLASweeper parses schedule (standard five-field cron or a descriptor
// such as "@every 1m").
func NewSLASweeper(sweeper Sweeper, schedule string, logger *zap.Logger) (*SLASweeper, error) {
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SLASweeper{sweeper: sweeper, schedule: parsed, logger: logger.Named("sla_sweeper")}, nil
}

// Run blocks until ctx is cancelled. A sweep still running when the next tick
// fires is not overlapped.
func (s *SLASweeper) Run(ctx context.Context) error {
	clog := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.sweep(ctx) }))
	c.Start()
	s.logger.Info("sla sweeper started")

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("sla sweeper stopped")
	return nil
}

func (s *SLASweeper) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	announced, err := s.sweeper.SweepSLABreaches(ctx)
	if err != nil {
		s.logger.Error("sla sweep failed", zap.Error(err))
		return
	}
	if announced > 0 {
		s.logger.Info("sla breaches announced", zap.Int("count", announced))
	}
}

// cronLogger adapts zap to cron's logging interface.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
