// Package eligibility resolves which users may receive a record request at a
// given instant. The projection is owned by the surrounding user service;
// this subsystem only reads it.
package eligibility

import (
	"context"
	"sync"
	"time"

	"swabbr-live/internal/models"
)

// Source supplies the eligible-user projection for a trigger minute.
type Source interface {
	GetEligibleUsers(ctx context.Context, minuteUTC time.Time) ([]models.EligibilityRecord, error)
}

// StaticSource serves a fixed set of records. It backs tests and
// single-process deployments without the external user service.
type StaticSource struct {
	mu      sync.RWMutex
	records []models.EligibilityRecord
}

// NewStaticSource copies the provided records into a Source.
func NewStaticSource(records []models.EligibilityRecord) *StaticSource {
	s := &StaticSource{}
	s.Replace(records)
	return s
}

// Replace swaps the full record set.
func (s *StaticSource) Replace(records []models.EligibilityRecord) {
	clone := make([]models.EligibilityRecord, len(records))
	copy(clone, records)
	s.mu.Lock()
	s.records = clone
	s.mu.Unlock()
}

// GetEligibleUsers returns records whose daily quota is not yet exhausted.
func (s *StaticSource) GetEligibleUsers(ctx context.Context, minuteUTC time.Time) ([]models.EligibilityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	eligible := make([]models.EligibilityRecord, 0, len(s.records))
	for _, record := range s.records {
		if record.DailyRequestLimit <= 0 {
			continue
		}
		if record.DailyRequestCount >= record.DailyRequestLimit {
			continue
		}
		eligible = append(eligible, record)
	}
	return eligible, nil
}
