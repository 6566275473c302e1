package orchestrator

import (
	"context"
	"time"

	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/pause"
)

// scheduler returns the pause scheduler of e, creating it on first use.
func (o *Orchestrator) scheduler(e *entry) *pause.Scheduler {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e.sched == nil {
		id := e.m.ID()
		e.sched = pause.NewScheduler(func(ctx context.Context, s pause.Schedule) { o.firePause(ctx, id, s) }, o.opts.Logger.WithSession(id))
	}
	return e.sched
}

// firePause runs on a timer goroutine. A session that is not running when
// the schedule fires is left alone. ctx ends the wait for a safe point when
// the schedule is cancelled or the session stopped.
func (o *Orchestrator) firePause(ctx context.Context, id string, s pause.Schedule) {
	m, err := o.machine(id)
	if err != nil {
		return
	}
	if !m.State().Active() {
		o.logger.Debug("scheduled pause skipped", "session_id", id, "schedule_id", s.ID, "state", m.State().String())
		return
	}
	err = m.Pause(ctx, s.Reason)
	switch {
	case err == nil:
	case forgeerrors.Is(err, context.Canceled):
		o.logger.Info("scheduled pause cancelled while waiting for a safe point", "session_id", id, "schedule_id", s.ID)
	default:
		o.logger.Warn("scheduled pause failed", "session_id", id, "schedule_id", s.ID, "error", forgeerrors.UserMessage(err))
	}
}

// SchedulePause pauses the session once at t.
func (o *Orchestrator) SchedulePause(id string, t time.Time, reason string) (pause.Schedule, error) {
	e, err := o.get(id)
	if err != nil {
		return pause.Schedule{}, err
	}
	if e.m.State().Terminal() {
		return pause.Schedule{}, forgeerrors.NewSessionError("schedule pause", forgeerrors.ErrInvalidTransition).
			WithSessionID(id).
			WithState(e.m.State().String())
	}
	return o.scheduler(e).ScheduleAt(t, reason)
}

// SchedulePauseCron pauses the session at every tick of a cron expression.
func (o *Orchestrator) SchedulePauseCron(id, expr, reason string) (pause.Schedule, error) {
	e, err := o.get(id)
	if err != nil {
		return pause.Schedule{}, err
	}
	if e.m.State().Terminal() {
		return pause.Schedule{}, forgeerrors.NewSessionError("schedule pause", forgeerrors.ErrInvalidTransition).
			WithSessionID(id).
			WithState(e.m.State().String())
	}
	return o.scheduler(e).ScheduleCron(expr, reason)
}

// CancelScheduledPause removes a pending schedule. A schedule already waiting
// for a safe point stops waiting and the session is not paused.
func (o *Orchestrator) CancelScheduledPause(id, scheduleID string) error {
	e, err := o.get(id)
	if err != nil {
		return err
	}
	o.mu.RLock()
	sched := e.sched
	o.mu.RUnlock()
	if sched == nil {
		return forgeerrors.UnknownSchedule(scheduleID)
	}
	return sched.Cancel(scheduleID)
}

// ScheduledPauses lists the pending schedules of a session.
func (o *Orchestrator) ScheduledPauses(id string) ([]pause.Schedule, error) {
	e, err := o.get(id)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	sched := e.sched
	o.mu.RUnlock()
	if sched == nil {
		return nil, nil
	}
	return sched.List(), nil
}

func (o *Orchestrator) closeSchedules(e *entry) {
	o.mu.Lock()
	sched := e.sched
	e.sched = nil
	o.mu.Unlock()
	if sched != nil {
		sched.Close()
	}
}
