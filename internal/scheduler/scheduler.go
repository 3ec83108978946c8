package scheduler

import (
	"context"
	"time"

	"conclave/internal/logger"
)

// IntervalScheduler fires a task on wall-clock interval boundaries, plus an
// optional offset. A 15m interval with a 5s offset runs at :00:05, :15:05,
// :30:05 and so on, so scheduled deliberation cycles always see fully closed
// market intervals.
type IntervalScheduler struct {
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewIntervalScheduler(ctx context.Context, interval, offset time.Duration) *IntervalScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &IntervalScheduler{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks, invoking task at every boundary until the context is done.
func (s *IntervalScheduler) Start(task func()) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("scheduler: nil task, not starting")
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler: interval %s is not positive, not starting", s.Interval)
		return
	}
	if s.Offset < 0 {
		logger.Warnf("scheduler: clamping negative offset %s to zero", s.Offset)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	_, firstWake, _, _ := s.nextTimes(startAt)
	logger.Infof("scheduler: interval=%s offset=%s run_immediately=%v first_run=%s",
		s.Interval, s.Offset, s.RunImmediately, firstWake.Format(time.RFC3339))

	if s.RunImmediately {
		task()
	}

	for {
		now := s.nowFn().UTC()
		boundary, wakeAt, _, wait := s.nextTimes(now)
		logger.Debugf("scheduler: boundary=%s wake=%s wait=%s uptime=%s",
			boundary.Format(time.RFC3339), wakeAt.Format(time.RFC3339),
			wait.Truncate(time.Second), now.Sub(startAt).Truncate(time.Second))

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				logger.Infof("scheduler: context done, stopping")
				return
			case <-timer.C:
			}
		}
		task()
	}
}

func (s *IntervalScheduler) nextTimes(now time.Time) (boundary time.Time, wakeAt time.Time, untilBoundary time.Duration, wait time.Duration) {
	now = now.UTC()
	boundary = now.Truncate(s.Interval).Add(s.Interval)
	wakeAt = boundary.Add(s.Offset)
	untilBoundary = boundary.Sub(now)
	wait = wakeAt.Sub(now)
	return boundary, wakeAt, untilBoundary, wait
}
