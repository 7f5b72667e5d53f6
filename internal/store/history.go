package store

import (
	"context"
	"time"

	"github.com/fleetpulse/fleetpulse/pkg/pagination"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// HistoryQuery filters the event log. Start/End bound recordedAt as a
// half-open interval [Start, End); nil means unbounded on that side.
type HistoryQuery struct {
	VehicleIDs []string
	Start      *time.Time
	End        *time.Time
	Limit      int
	PageToken  string
}

// HistoryPage is one ascending page of events. NextPageToken is present only
// when the page filled up; resuming with it continues strictly after the last
// event returned.
type HistoryPage struct {
	Events        []TelemetryEvent `json:"events"`
	NextPageToken string           `json:"nextPageToken,omitempty"`
}

// History returns one page of the event log in ascending event order.
func (s *Store) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if q.Start != nil && q.End != nil && !q.Start.Before(*q.End) {
		return HistoryPage{}, ErrInvalidTimeRange
	}
	cursor, err := pagination.DecodeToken(q.PageToken)
	if err != nil {
		return HistoryPage{}, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	tx := s.db.WithContext(ctx).Model(&eventRow{}).Order("event_id ASC").Limit(limit)
	if len(q.VehicleIDs) > 0 {
		tx = tx.Where("vehicle_id IN ?", q.VehicleIDs)
	}
	if q.Start != nil {
		tx = tx.Where("recorded_at >= ?", q.Start.UnixMilli())
	}
	if q.End != nil {
		tx = tx.Where("recorded_at < ?", q.End.UnixMilli())
	}
	if cursor.LastEventID > 0 {
		tx = tx.Where("event_id > ?", cursor.LastEventID)
	}

	var rows []eventRow
	if err := tx.Find(&rows).Error; err != nil {
		return HistoryPage{}, err
	}

	page := HistoryPage{Events: make([]TelemetryEvent, 0, len(rows))}
	for _, r := range rows {
		page.Events = append(page.Events, r.toEvent())
	}
	if len(rows) == limit {
		page.NextPageToken = pagination.EncodeToken(pagination.Cursor{
			LastEventID: rows[len(rows)-1].EventID,
		})
	}
	return page, nil
}
