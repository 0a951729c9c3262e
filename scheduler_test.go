package trademirror

import (
	"testing"
	"time"
)

func testPeriods() RefreshPeriods {
	return RefreshPeriods{
		Pairs:      time.Hour,
		Balances:   time.Hour,
		MarketData: time.Hour,
		Orders:     time.Hour,
		Transfers:  time.Hour,
	}
}

func TestScheduler_DueOnStart(t *testing.T) {
	scheduler := newScheduler(testPeriods())

	// No subsystem ever ran so all periods are considered elapsed.
	due := scheduler.due(time.Now())
	if len(due) != len(allSubsystems) {
		t.Errorf(
			"unexpected due count\n"+
				"expected: [%v]\n"+
				"actual:   [%v]",
			len(allSubsystems),
			len(due),
		)
	}
}

func TestScheduler_DirtyFlag(t *testing.T) {
	scheduler := newScheduler(testPeriods())

	now := time.Now()
	for _, sub := range allSubsystems {
		scheduler.noteRun(sub, now)
	}

	if due := scheduler.due(now.Add(time.Minute)); len(due) != 0 {
		t.Fatalf("expected nothing due, got [%v]", due)
	}

	scheduler.markDirty(subsystemBalances)

	due := scheduler.due(now.Add(time.Minute))
	if len(due) != 1 || due[0] != subsystemBalances {
		t.Errorf(
			"unexpected due subsystems\n"+
				"expected: [%v]\n"+
				"actual:   [%v]",
			[]subsystem{subsystemBalances},
			due,
		)
	}

	// noteRun clears the dirty flag.
	scheduler.noteRun(subsystemBalances, now.Add(time.Minute))
	if due := scheduler.due(now.Add(2 * time.Minute)); len(due) != 0 {
		t.Errorf("expected nothing due after the run, got [%v]", due)
	}
}

func TestScheduler_PeriodElapsed(t *testing.T) {
	scheduler := newScheduler(testPeriods())

	now := time.Now()
	for _, sub := range allSubsystems {
		scheduler.noteRun(sub, now)
	}

	due := scheduler.due(now.Add(2 * time.Hour))
	if len(due) != len(allSubsystems) {
		t.Errorf(
			"unexpected due count\n"+
				"expected: [%v]\n"+
				"actual:   [%v]",
			len(allSubsystems),
			len(due),
		)
	}
}

func TestScheduler_Backoff(t *testing.T) {
	scheduler := newScheduler(testPeriods())

	scheduler.markDirty(subsystemOrders)
	scheduler.backoff(subsystemOrders, time.Minute)

	for _, sub := range scheduler.due(time.Now()) {
		if sub == subsystemOrders {
			t.Errorf("expected orders refresh to be delayed")
		}
	}

	// The dirty flag survives the backoff window.
	time.Sleep(10 * time.Millisecond)
	scheduler.backoff(subsystemOrders, 0)

	found := false
	for _, sub := range scheduler.due(time.Now().Add(time.Millisecond)) {
		if sub == subsystemOrders {
			found = true
		}
	}
	if !found {
		t.Errorf("expected orders refresh to be due after the backoff")
	}
}

func TestScheduler_MarkDirtyWakes(t *testing.T) {
	scheduler := newScheduler(testPeriods())

	scheduler.markDirty(subsystemPairs)
	// A second mark must not block even though nobody drained the wake
	// channel yet.
	scheduler.markDirty(subsystemPairs)

	select {
	case <-scheduler.wakeChan():
	default:
		t.Errorf("expected a pending wake signal")
	}
}
