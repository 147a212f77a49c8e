package services

import (
	"context"
	"fmt"
	"strings"

	"softgate-functions/models"
)

// buildScheduleQuery renders filter into a paged query ordered so that
// records sharing an update time keep a stable position across pages.
func buildScheduleQuery(filter ScheduleFilter, limit, offset int) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.Region != "" {
		add("region = $%d", filter.Region)
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.Active != nil {
		add("active = $%d", *filter.Active)
	}
	if !filter.UpdatedAfter.IsZero() {
		add("resource_updated_at > $%d", filter.UpdatedAfter)
	}

	var b strings.Builder
	b.WriteString(`SELECT id, resource_id, resource_type, project_id, schedule, active, region, resource_updated_at FROM schedules`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, limit, offset)
	fmt.Fprintf(&b, " ORDER BY resource_updated_at, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return b.String(), args
}

// FindSchedules returns one page of schedule records matching filter.
func (s *DBService) FindSchedules(ctx context.Context, filter ScheduleFilter, limit, offset int) ([]models.ScheduleRecord, error) {
	query, args := buildScheduleQuery(filter, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules := []models.ScheduleRecord{}
	for rows.Next() {
		var rec models.ScheduleRecord
		if err := rows.Scan(&rec.ID, &rec.ResourceID, &rec.ResourceType, &rec.ProjectID, &rec.Schedule,
			&rec.Active, &rec.Region, &rec.ResourceUpdatedAt); err != nil {
			return nil, err
		}
		schedules = append(schedules, rec)
	}
	return schedules, rows.Err()
}
