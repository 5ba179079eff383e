package ports

import "time"

type SchedulerService interface {
	Start()
	Stop()
	// ScheduleTaskWithInterval runs task periodically until the scheduler is
	// stopped. Tasks must be re-entrant safe: a slow run may overlap the
	// next tick.
	ScheduleTaskWithInterval(interval time.Duration, task func()) error
}
