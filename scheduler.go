package trademirror

import (
	"sync"
	"time"
)

type subsystem int

const (
	subsystemPairs subsystem = iota
	subsystemBalances
	subsystemMarketData
	subsystemOrders
	subsystemTransfers
)

var allSubsystems = []subsystem{
	subsystemPairs,
	subsystemBalances,
	subsystemMarketData,
	subsystemOrders,
	subsystemTransfers,
}

func (s subsystem) String() string {
	switch s {
	case subsystemPairs:
		return "pairs"
	case subsystemBalances:
		return "balances"
	case subsystemMarketData:
		return "market data"
	case subsystemOrders:
		return "orders"
	case subsystemTransfers:
		return "transfers"
	default:
		panic("unknown subsystem")
	}
}

// RefreshPeriods holds the minimum refresh period of each subsystem. A
// subsystem refreshes when its period elapsed or when its dirty flag was
// set, whichever comes first.
type RefreshPeriods struct {
	Pairs      time.Duration
	Balances   time.Duration
	MarketData time.Duration
	Orders     time.Duration
	Transfers  time.Duration
}

func DefaultRefreshPeriods() RefreshPeriods {
	return RefreshPeriods{
		Pairs:      60 * time.Second,
		Balances:   1000 * time.Millisecond,
		MarketData: 100 * time.Millisecond,
		Orders:     1000 * time.Millisecond,
		Transfers:  60 * time.Second,
	}
}

func (rp RefreshPeriods) of(s subsystem) time.Duration {
	switch s {
	case subsystemPairs:
		return rp.Pairs
	case subsystemBalances:
		return rp.Balances
	case subsystemMarketData:
		return rp.MarketData
	case subsystemOrders:
		return rp.Orders
	case subsystemTransfers:
		return rp.Transfers
	default:
		panic("unknown subsystem")
	}
}

type scheduleEntry struct {
	period    time.Duration
	lastRun   time.Time
	notBefore time.Time
	dirty     bool
}

// scheduler tracks, per subsystem, the dirty flag and the last refresh
// time. It is safe for use from both the engine's update loop and the
// foreground operations that mark subsystems dirty.
type scheduler struct {
	mutex   sync.Mutex
	entries map[subsystem]*scheduleEntry
	wake    chan struct{}
}

func newScheduler(periods RefreshPeriods) *scheduler {
	entries := make(map[subsystem]*scheduleEntry)
	for _, s := range allSubsystems {
		entries[s] = &scheduleEntry{period: periods.of(s)}
	}

	return &scheduler{
		entries: entries,
		wake:    make(chan struct{}, 1),
	}
}

func (s *scheduler) markDirty(subsystems ...subsystem) {
	s.mutex.Lock()
	for _, sub := range subsystems {
		s.entries[sub].dirty = true
	}
	s.mutex.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) wakeChan() <-chan struct{} {
	return s.wake
}

// due returns the subsystems that should refresh now, in the fixed
// subsystem order.
func (s *scheduler) due(now time.Time) []subsystem {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	due := make([]subsystem, 0)

	for _, sub := range allSubsystems {
		entry := s.entries[sub]

		if now.Before(entry.notBefore) {
			continue
		}

		if entry.dirty || now.Sub(entry.lastRun) >= entry.period {
			due = append(due, sub)
		}
	}

	return due
}

func (s *scheduler) noteRun(sub subsystem, now time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry := s.entries[sub]
	entry.dirty = false
	entry.lastRun = now
}

// backoff delays the next refresh of a subsystem, used after the exchange
// rate limited a request.
func (s *scheduler) backoff(sub subsystem, delay time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.entries[sub].notBefore = time.Now().Add(delay)
}

func (s *scheduler) lastRun(sub subsystem) time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.entries[sub].lastRun
}
