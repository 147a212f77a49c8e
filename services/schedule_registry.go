package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"softgate-functions/models"
)

const schedulePageSize = 200

// ScheduleRegistry is the in-memory projection of active schedules for one
// region. Fetches do not touch state; LoadAll and Apply mutate it and must be
// serialized by the caller.
type ScheduleRegistry struct {
	store     ScheduleStore
	region    string
	lookback  time.Duration
	records   map[string]models.ScheduleRecord
	watermark time.Time
	log       zerolog.Logger
}

// NewScheduleRegistry creates an empty registry. lookback sets the initial
// watermark relative to the LoadAll instant.
func NewScheduleRegistry(store ScheduleStore, region string, lookback time.Duration, log zerolog.Logger) *ScheduleRegistry {
	return &ScheduleRegistry{
		store:    store,
		region:   region,
		lookback: lookback,
		records:  make(map[string]models.ScheduleRecord),
		log:      log,
	}
}

// LoadAll replaces the registry with every active schedule in the region.
func (r *ScheduleRegistry) LoadAll(ctx context.Context, now time.Time) error {
	active := true
	records := make(map[string]models.ScheduleRecord)
	err := r.scan(ctx, ScheduleFilter{
		Region:       r.region,
		ResourceType: models.ResourceTypeFunction,
		Active:       &active,
	}, func(page []models.ScheduleRecord) {
		for _, rec := range page {
			records[rec.ResourceID] = rec
		}
	})
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	r.records = records
	r.watermark = now.Add(-r.lookback)
	r.log.Info().Int("schedules", len(records)).Time("watermark", r.watermark).Msg("schedules loaded")
	return nil
}

// FetchSince returns every function schedule in the region modified after since.
func (r *ScheduleRegistry) FetchSince(ctx context.Context, since time.Time) ([]models.ScheduleRecord, error) {
	var changes []models.ScheduleRecord
	err := r.scan(ctx, ScheduleFilter{
		Region:       r.region,
		ResourceType: models.ResourceTypeFunction,
		UpdatedAfter: since,
	}, func(page []models.ScheduleRecord) {
		changes = append(changes, page...)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch schedule changes: %w", err)
	}
	return changes, nil
}

func (r *ScheduleRegistry) scan(ctx context.Context, filter ScheduleFilter, fn func([]models.ScheduleRecord)) error {
	for offset := 0; ; offset += schedulePageSize {
		page, err := r.store.FindSchedules(ctx, filter, schedulePageSize, offset)
		if err != nil {
			return err
		}
		fn(page)
		if len(page) < schedulePageSize {
			return nil
		}
	}
}

// Apply merges fetched changes and advances the watermark to startedAt, the
// instant the fetch began. It returns the resource ids whose pending dispatch
// is now stale: deactivated records and records replaced by a newer version.
func (r *ScheduleRegistry) Apply(changes []models.ScheduleRecord, startedAt time.Time) []string {
	var stale []string
	for _, rec := range changes {
		id := rec.ResourceID
		current, exists := r.records[id]
		if !rec.Active {
			if exists {
				delete(r.records, id)
				r.log.Debug().Str("resource_id", id).Msg("schedule deactivated")
			}
			stale = append(stale, id)
			continue
		}
		if exists && !rec.ResourceUpdatedAt.After(current.ResourceUpdatedAt) {
			continue
		}
		r.records[id] = rec
		stale = append(stale, id)
	}

	if startedAt.After(r.watermark) {
		r.watermark = startedAt
	}
	return stale
}

func (r *ScheduleRegistry) Watermark() time.Time {
	return r.watermark
}

func (r *ScheduleRegistry) Get(resourceID string) (models.ScheduleRecord, bool) {
	rec, ok := r.records[resourceID]
	return rec, ok
}

// Records exposes the live map. Callers must not modify it.
func (r *ScheduleRegistry) Records() map[string]models.ScheduleRecord {
	return r.records
}

func (r *ScheduleRegistry) Len() int {
	return len(r.records)
}
