package store

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Aggregate selection tokens accepted by queries. An empty selection means
// every metric.
const (
	AggAvgSpeed      = "avgSpeed"
	AggMaxSpeed      = "maxSpeed"
	AggMinFuel       = "minFuel"
	AggTotalDistance = "totalDistance"
	AggSampleCount   = "sampleCount"
)

// AggregateQuery asks for bucketed metrics over a window of WindowSeconds.
type AggregateQuery struct {
	VehicleIDs    []string
	Start         *time.Time
	End           *time.Time
	WindowSeconds int64
	Selection     []string
}

// AggregateBucket is one (bucket, vehicle) row. Unselected metrics are nil
// and omitted from JSON.
type AggregateBucket struct {
	BucketStart     time.Time `json:"bucketStart"`
	BucketEnd       time.Time `json:"bucketEnd"`
	VehicleID       string    `json:"vehicleId"`
	AvgSpeedKmh     *float64  `json:"avgSpeed,omitempty"`
	MaxSpeedKmh     *float64  `json:"maxSpeed,omitempty"`
	MinFuelLevel    *float64  `json:"minFuel,omitempty"`
	TotalDistanceKm *float64  `json:"totalDistance,omitempty"`
	SampleCount     *int64    `json:"sampleCount,omitempty"`
}

// AggregateResult carries the effective window, which may differ from the
// requested one when no materialized window divides it.
type AggregateResult struct {
	WindowSeconds int64             `json:"windowSeconds"`
	Buckets       []AggregateBucket `json:"buckets"`
}

// Aggregates serves bucketed metrics for any requested window. A window that
// is materialized is read directly; otherwise rows of the smallest
// materialized window dividing it are recombined (averages weighted by
// sample count, straight min/max/sum). A window nothing divides falls back
// to the base window, raising the request to it.
func (s *Store) Aggregates(ctx context.Context, q AggregateQuery) (AggregateResult, error) {
	if q.WindowSeconds <= 0 {
		return AggregateResult{}, ErrInvalidWindow
	}
	if q.Start != nil && q.End != nil && !q.Start.Before(*q.End) {
		return AggregateResult{}, ErrInvalidTimeRange
	}
	selection, err := parseSelection(q.Selection)
	if err != nil {
		return AggregateResult{}, err
	}

	source, effective := s.resolveWindow(q.WindowSeconds)

	rows, err := s.readRollups(ctx, source, q)
	if err != nil {
		return AggregateResult{}, err
	}

	var buckets []AggregateBucket
	if source == effective {
		buckets = directBuckets(rows)
	} else {
		buckets = recombineBuckets(rows, effective)
	}

	for i := range buckets {
		applySelection(&buckets[i], selection)
	}
	return AggregateResult{WindowSeconds: effective, Buckets: buckets}, nil
}

// resolveWindow maps a requested window to (source, effective) materialized
// window sizes.
func (s *Store) resolveWindow(requested int64) (int64, int64) {
	sorted := append([]int64(nil), s.windows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, w := range sorted {
		if w == requested {
			return w, w
		}
	}
	for _, w := range sorted {
		if requested%w == 0 {
			return w, requested
		}
	}
	return s.BaseWindow(), s.BaseWindow()
}

func (s *Store) readRollups(ctx context.Context, windowSeconds int64, q AggregateQuery) ([]rollupRow, error) {
	tx := s.db.WithContext(ctx).
		Model(&rollupRow{}).
		Where("bucket_end - bucket_start = ?", windowSeconds).
		Order("bucket_start ASC, vehicle_id ASC")
	if len(q.VehicleIDs) > 0 {
		tx = tx.Where("vehicle_id IN ?", q.VehicleIDs)
	}
	if q.Start != nil {
		tx = tx.Where("bucket_end > ?", q.Start.Unix())
	}
	if q.End != nil {
		tx = tx.Where("bucket_start < ?", q.End.Unix())
	}

	var rows []rollupRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func directBuckets(rows []rollupRow) []AggregateBucket {
	buckets := make([]AggregateBucket, 0, len(rows))
	for _, r := range rows {
		r := r
		buckets = append(buckets, AggregateBucket{
			BucketStart:     time.Unix(r.BucketStart, 0).UTC(),
			BucketEnd:       time.Unix(r.BucketEnd, 0).UTC(),
			VehicleID:       r.VehicleID,
			AvgSpeedKmh:     &r.AvgSpeedKmh,
			MaxSpeedKmh:     &r.MaxSpeedKmh,
			MinFuelLevel:    &r.MinFuelLevel,
			TotalDistanceKm: &r.TotalDistanceKm,
			SampleCount:     &r.SampleCount,
		})
	}
	return buckets
}

// recombineBuckets folds source-window rows into target-window buckets.
// Source buckets are epoch-aligned on a divisor of the target, so every
// source bucket falls entirely inside exactly one target bucket.
func recombineBuckets(rows []rollupRow, targetSeconds int64) []AggregateBucket {
	type key struct {
		start     int64
		vehicleID string
	}
	type acc struct {
		weightedSpeed float64
		maxSpeed      float64
		minFuel       float64
		totalDistance float64
		samples       int64
	}

	groups := make(map[key]*acc)
	for _, r := range rows {
		k := key{start: (r.BucketStart / targetSeconds) * targetSeconds, vehicleID: r.VehicleID}
		g, ok := groups[k]
		if !ok {
			g = &acc{maxSpeed: r.MaxSpeedKmh, minFuel: r.MinFuelLevel}
			groups[k] = g
		}
		g.weightedSpeed += r.AvgSpeedKmh * float64(r.SampleCount)
		if r.MaxSpeedKmh > g.maxSpeed {
			g.maxSpeed = r.MaxSpeedKmh
		}
		if r.MinFuelLevel < g.minFuel {
			g.minFuel = r.MinFuelLevel
		}
		g.totalDistance += r.TotalDistanceKm
		g.samples += r.SampleCount
	}

	keys := make([]key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].start != keys[j].start {
			return keys[i].start < keys[j].start
		}
		return keys[i].vehicleID < keys[j].vehicleID
	})

	buckets := make([]AggregateBucket, 0, len(keys))
	for _, k := range keys {
		g := groups[k]
		avg := 0.0
		if g.samples > 0 {
			avg = g.weightedSpeed / float64(g.samples)
		}
		maxSpeed, minFuel, totalDistance, samples := g.maxSpeed, g.minFuel, g.totalDistance, g.samples
		buckets = append(buckets, AggregateBucket{
			BucketStart:     time.Unix(k.start, 0).UTC(),
			BucketEnd:       time.Unix(k.start+targetSeconds, 0).UTC(),
			VehicleID:       k.vehicleID,
			AvgSpeedKmh:     &avg,
			MaxSpeedKmh:     &maxSpeed,
			MinFuelLevel:    &minFuel,
			TotalDistanceKm: &totalDistance,
			SampleCount:     &samples,
		})
	}
	return buckets
}

func parseSelection(tokens []string) (map[string]bool, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	set := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		switch tok {
		case AggAvgSpeed, AggMaxSpeed, AggMinFuel, AggTotalDistance, AggSampleCount:
			set[tok] = true
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownAggregate, tok)
		}
	}
	return set, nil
}

// applySelection clears the metrics the caller did not ask for. A nil
// selection keeps everything.
func applySelection(b *AggregateBucket, selection map[string]bool) {
	if selection == nil {
		return
	}
	if !selection[AggAvgSpeed] {
		b.AvgSpeedKmh = nil
	}
	if !selection[AggMaxSpeed] {
		b.MaxSpeedKmh = nil
	}
	if !selection[AggMinFuel] {
		b.MinFuelLevel = nil
	}
	if !selection[AggTotalDistance] {
		b.TotalDistanceKm = nil
	}
	if !selection[AggSampleCount] {
		b.SampleCount = nil
	}
}
