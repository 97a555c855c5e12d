// Package sweeper periodically releases overdue reservations. A pass
// scans for due rows and hands each one back to the allocator, which
// re-checks the deadline under row lock; the scan itself holds no
// locks, so a reservation confirmed mid-sweep is safe.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-inventory/internal/clock"
	"ms-inventory/internal/logger"
	"ms-inventory/internal/metrics"
	"ms-inventory/internal/models"
	"ms-inventory/internal/reservation/db"
)

// Allocator is the reservation side the sweeper releases through.
type Allocator interface {
	ExpireReservation(ctx context.Context, id string) error
	MarkStuck(ctx context.Context, id string) error
}

// PassLock serializes sweep passes across worker replicas.
type PassLock interface {
	Acquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}

type Sweeper struct {
	Bun       *bun.DB
	DB        *db.DB
	Allocator Allocator
	Lock      PassLock
	Logger    *logger.Logger
	Clock     clock.Clock
	Interval  time.Duration
	BatchSize int
}

func New(b *bun.DB, d *db.DB, alloc Allocator, lock PassLock, log *logger.Logger, clk clock.Clock, interval time.Duration, batch int) *Sweeper {
	return &Sweeper{
		Bun: b, DB: d, Allocator: alloc, Lock: lock,
		Logger: log, Clock: clk, Interval: interval, BatchSize: batch,
	}
}

// Run sweeps on every tick until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.Logger.LogProcess("SWEEPER", fmt.Sprintf("started, interval %s", s.Interval))
	for {
		select {
		case <-ctx.Done():
			s.Logger.LogProcess("SWEEPER", "stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.Logger.Error("SWEEP", fmt.Sprintf("pass failed: %v", err))
			}
		}
	}
}

// SweepOnce runs a single pass and returns how many reservations it
// released. Per-reservation failures are logged and skipped; one bad
// row must not wedge the sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.Lock != nil {
		ok, err := s.Lock.Acquire(ctx, "sweep")
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		defer func() {
			if err := s.Lock.Release(ctx, "sweep"); err != nil {
				s.Logger.Error("SWEEP", fmt.Sprintf("release pass lock: %v", err))
			}
		}()
	}

	start := time.Now()
	defer func() { metrics.TrackSweepDuration(time.Since(start).Seconds()) }()

	now := s.Clock.Now()
	released, err := s.expireDue(ctx, now)
	if err != nil {
		return released, err
	}
	if err := s.parkOverdueOffline(ctx, now); err != nil {
		return released, err
	}
	if released > 0 {
		s.Logger.LogSweep("PASS", fmt.Sprintf("%d reservations released", released))
	}
	return released, nil
}

func (s *Sweeper) expireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.DB.DuePending(ctx, s.Bun, now, s.BatchSize)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, r := range due {
		if err := s.Allocator.ExpireReservation(ctx, r.ID); err != nil {
			s.Logger.Error("SWEEP", fmt.Sprintf("expire %s: %v", r.ID, err))
			continue
		}
		released++
	}
	return released, nil
}

func (s *Sweeper) parkOverdueOffline(ctx context.Context, now time.Time) error {
	due, err := s.DB.DueOffline(ctx, s.Bun, now, s.BatchSize)
	if err != nil {
		return err
	}
	for _, r := range due {
		if r.Status != models.ReservationOfflinePayment {
			continue
		}
		if err := s.Allocator.MarkStuck(ctx, r.ID); err != nil {
			s.Logger.Error("SWEEP", fmt.Sprintf("park %s: %v", r.ID, err))
		}
	}
	return nil
}
