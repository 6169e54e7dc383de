package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
)

// Sweeper lapses approvals that were not collected within the grace period. It runs synchronously
// before listings and, optionally, on a ticker. Both paths go through the same conditional
// transition, so overlapping sweeps expire each request at most once.
type Sweeper struct {
	svc    *ReservationService
	logger *log.Logger
}

func NewSweeper(svc *ReservationService) *Sweeper {
	return &Sweeper{svc: svc, logger: svc.logger}
}

// Sweep returns the number of requests this call expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.svc.clock.Now().Add(-s.svc.grace)
	expired := 0
	for _, kind := range s.svc.ExpiringKinds() {
		ids, err := s.svc.store.ListExpirable(ctx, kind, cutoff)
		if err != nil {
			return expired, err
		}
		for _, id := range ids {
			if _, err := s.svc.Expire(ctx, id); err != nil {
				if errors.Is(err, domain.ErrInvalidTransition) {
					continue
				}
				return expired, err
			}
			expired++
		}
	}
	if expired > 0 {
		s.logger.Printf("sweeper: expired %d request(s)", expired)
	}
	return expired, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Printf("sweeper: %v", err)
			}
		}
	}
}
