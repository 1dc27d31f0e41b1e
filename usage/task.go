package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/atelier/idempotency"

	"github.com/robfig/cron/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// MonthlySchedule fires at midnight UTC on the first day of every month
const MonthlySchedule = "0 0 1 * *"

const monthlyLockName = "overage-monthly"

// Locker prevents two replicas from running the monthly job at once
type Locker interface {
	Acquire(name string, ttl time.Duration) (*idempotency.Lock, error)
}

type TaskOptions struct {
	Biller   *Biller
	Locker   Locker
	Logger   *zap.Logger
	Schedule string
	LockTTL  time.Duration
}

// Task runs the Biller on a schedule
type Task struct {
	TaskOptions
}

func NewTask(option TaskOptions) (*Task, error) {
	if option.Biller == nil {
		return nil, fmt.Errorf("nil Biller is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Schedule == "" {
		option.Schedule = MonthlySchedule
	}
	if option.LockTTL <= 0 {
		option.LockTTL = time.Hour
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

// Run bills the cycle preceding now. It returns a nil report when another replica holds the lock.
func (t *Task) Run(ctx context.Context, now time.Time) (*RunReport, error) {
	if t.Locker != nil {
		lock, err := t.Locker.Acquire(monthlyLockName, t.LockTTL)
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot acquire monthly billing lock")
		}
		if lock == nil {
			t.Logger.Info("Monthly billing is running elsewhere, skipping")
			return nil, nil
		}
		defer func() {
			if err := lock.Release(); err != nil {
				t.Logger.Warn("Unable to release monthly billing lock",
					zap.Error(err),
				)
			}
		}()
	}
	report, err := t.Biller.RunMonthly(ctx, now)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// Register adds the monthly job to c. Jobs run with ctx as their parent context.
func (t *Task) Register(ctx context.Context, c *cron.Cron) error {
	_, err := c.AddFunc(t.Schedule, func() {
		if _, err := t.Run(ctx, time.Now().UTC()); err != nil {
			t.Logger.Error("Monthly overage billing failed",
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot schedule monthly overage billing")
	}
	return nil
}
