package services

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"softgate-functions/models"
)

// DispatchWindow holds schedules due within the next horizon, bucketed by
// minute. A resource is in at most one slot at a time. Not safe for
// concurrent use; ScheduleRunner serializes access.
type DispatchWindow struct {
	cron    *CronEvaluator
	horizon time.Duration
	slots   map[time.Time]map[string]models.ScheduleRecord
	index   map[string]time.Time
	log     zerolog.Logger
}

// SlotSnapshot is a read-only view of one slot.
type SlotSnapshot struct {
	At          time.Time `json:"at"`
	ResourceIDs []string  `json:"resource_ids"`
}

func NewDispatchWindow(cron *CronEvaluator, horizon time.Duration, log zerolog.Logger) *DispatchWindow {
	return &DispatchWindow{
		cron:    cron,
		horizon: horizon,
		slots:   make(map[time.Time]map[string]models.ScheduleRecord),
		index:   make(map[string]time.Time),
		log:     log,
	}
}

func slotKey(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// Insert places rec in the slot for next, moving it out of any slot it was
// already in. A next time before the current minute lands in the current
// minute so it is still dispatched.
func (w *DispatchWindow) Insert(rec models.ScheduleRecord, next, now time.Time) time.Time {
	w.Remove(rec.ResourceID)

	key := slotKey(next)
	if current := slotKey(now); key.Before(current) {
		key = current
	}
	slot, ok := w.slots[key]
	if !ok {
		slot = make(map[string]models.ScheduleRecord)
		w.slots[key] = slot
	}
	slot[rec.ResourceID] = rec
	w.index[rec.ResourceID] = key
	return key
}

// Schedule computes the next run of rec after from and inserts it when it
// falls within the horizon measured from now. It reports whether rec was
// slotted.
func (w *DispatchWindow) Schedule(rec models.ScheduleRecord, from, now time.Time) (bool, error) {
	next, err := w.cron.Next(rec.Schedule, from)
	if err != nil {
		w.Remove(rec.ResourceID)
		return false, err
	}
	if next.After(now.Add(w.horizon)) {
		w.Remove(rec.ResourceID)
		return false, nil
	}
	w.Insert(rec, next, now)
	return true, nil
}

// Remove drops every given resource from whatever slot holds it.
func (w *DispatchWindow) Remove(resourceIDs ...string) {
	for _, id := range resourceIDs {
		key, ok := w.index[id]
		if !ok {
			continue
		}
		delete(w.index, id)
		slot := w.slots[key]
		delete(slot, id)
		if len(slot) == 0 {
			delete(w.slots, key)
		}
	}
}

// Lookup returns the slot and record currently held for a resource.
func (w *DispatchWindow) Lookup(resourceID string) (time.Time, models.ScheduleRecord, bool) {
	key, ok := w.index[resourceID]
	if !ok {
		return time.Time{}, models.ScheduleRecord{}, false
	}
	return key, w.slots[key][resourceID], true
}

// Rebuild reconciles the window with the registry. Pending entries whose
// record is unchanged keep their slot; everything else is recomputed from now.
// Records with malformed expressions are logged and left out.
func (w *DispatchWindow) Rebuild(records map[string]models.ScheduleRecord, now time.Time) {
	start := time.Now()

	for id, key := range w.index {
		rec, ok := records[id]
		if !ok || !rec.SameDefinition(w.slots[key][id]) {
			w.Remove(id)
		}
	}

	skipped := 0
	for id, rec := range records {
		if _, ok := w.index[id]; ok {
			continue
		}
		if _, err := w.Schedule(rec, now, now); err != nil {
			skipped++
			w.log.Error().Err(err).
				Str("resource_id", id).
				Str("project_id", rec.ProjectID).
				Msg("skipping schedule")
		}
	}

	w.log.Info().
		Int("records", len(records)).
		Int("slotted", len(w.index)).
		Int("skipped", skipped).
		Dur("took", time.Since(start)).
		Msg("dispatch window built")
}

// DueSlots returns every slot at or before now, oldest first.
func (w *DispatchWindow) DueSlots(now time.Time) []time.Time {
	limit := slotKey(now)
	var due []time.Time
	for key := range w.slots {
		if !key.After(limit) {
			due = append(due, key)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Before(due[j]) })
	return due
}

// Take removes a slot and returns its records.
func (w *DispatchWindow) Take(key time.Time) []models.ScheduleRecord {
	slot := w.slots[key]
	delete(w.slots, key)
	records := make([]models.ScheduleRecord, 0, len(slot))
	for id, rec := range slot {
		delete(w.index, id)
		records = append(records, rec)
	}
	return records
}

// Len returns the number of slotted resources.
func (w *DispatchWindow) Len() int {
	return len(w.index)
}

func (w *DispatchWindow) Snapshot() []SlotSnapshot {
	out := make([]SlotSnapshot, 0, len(w.slots))
	for key, slot := range w.slots {
		ids := make([]string, 0, len(slot))
		for id := range slot {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, SlotSnapshot{At: key, ResourceIDs: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
