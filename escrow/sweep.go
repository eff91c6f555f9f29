package escrow

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweep releases every escrow that has been funded for at least the grace
// period. It is a driver for the explicit Release path, nothing more; the
// service runs fine without it.
func (m *Machine) Sweep(ctx context.Context) {
	cutoff := m.now().Add(-m.grace)
	escrows, err := m.store.ListFundedBefore(ctx, cutoff)
	if err != nil {
		m.log.Error("auto-release sweep: could not list escrows", "error", err)
		return
	}
	for _, escrow := range escrows {
		if _, err := m.Release(ctx, escrow.ID); err != nil {
			// A concurrent dispute or release loses the race here; that is
			// the expected outcome, not a sweep failure.
			m.log.Warn("auto-release skipped", "escrow", escrow.ID, "error", err)
		} else {
			m.log.Info("auto-released escrow", "escrow", escrow.ID)
		}
	}
}

// StartSweep schedules Sweep on the given cron spec. Returns the runner so
// the caller can Stop it on shutdown, or nil when spec is empty.
func (m *Machine) StartSweep(ctx context.Context, spec string) (*cron.Cron, error) {
	if spec == "" {
		return nil, nil
	}
	runner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := runner.AddFunc(spec, func() { m.Sweep(ctx) }); err != nil {
		return nil, err
	}
	runner.Start()
	return runner, nil
}
