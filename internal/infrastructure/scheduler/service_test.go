package scheduler_test

import (
	"sync/atomic"
	"testing"
	"time"

	timescheduler "github.com/satsvault/custodiad/internal/infrastructure/scheduler/gocron"
	"github.com/stretchr/testify/require"
)

func TestScheduleTaskWithInterval(t *testing.T) {
	t.Parallel()

	svc := timescheduler.NewScheduler()
	svc.Start()
	t.Cleanup(svc.Stop)

	var calls int32
	err := svc.ScheduleTaskWithInterval(500*time.Millisecond, func() {
		atomic.AddInt32(&calls, 1)
	})
	require.NoError(t, err)

	time.Sleep(2 * time.Second)

	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}
