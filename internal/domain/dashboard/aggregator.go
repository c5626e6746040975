package dashboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/domain/inventory"
	"github.com/bloodbank/bloodbank/internal/platform/cache"
	"github.com/bloodbank/bloodbank/internal/platform/telemetry"
)

const (
	summaryKey = "dashboard:summary"

	DefaultCriticalBelow = 5
	DefaultWarningBelow  = 10
)

// Counter is the read model the dashboard aggregates over.
type Counter interface {
	CountByTypeAndStatus(ctx context.Context) ([]inventory.StatusCount, error)
}

// Summary is the stock of one blood type.
type Summary struct {
	BloodType        inventory.BloodType `json:"blood_type"`
	TotalUnits       int                 `json:"total_units"`
	AvailableUnits   int                 `json:"available_units"`
	UsedUnits        int                 `json:"used_units"`
	ExpiredUnits     int                 `json:"expired_units"`
	QuarantinedUnits int                 `json:"quarantined_units"`
}

// Thresholds are exclusive upper bounds on available units: fewer than
// Critical is critical, fewer than Warning is a warning.
type Thresholds struct {
	Critical int
	Warning  int
}

type Aggregator struct {
	counts     Counter
	thresholds Thresholds
	cache      cache.Store
	ttl        time.Duration
	metrics    *telemetry.Metrics
	logger     zerolog.Logger
}

func NewAggregator(counts Counter, th Thresholds, logger zerolog.Logger) *Aggregator {
	if th.Critical <= 0 {
		th.Critical = DefaultCriticalBelow
	}
	if th.Warning <= 0 {
		th.Warning = DefaultWarningBelow
	}
	return &Aggregator{
		counts:     counts,
		thresholds: th,
		logger:     logger.With().Str("component", "dashboard").Logger(),
	}
}

// SetCache enables caching of the summary for ttl. A zero ttl disables it.
func (a *Aggregator) SetCache(store cache.Store, ttl time.Duration) {
	if ttl <= 0 {
		store = nil
	}
	a.cache, a.ttl = store, ttl
}

func (a *Aggregator) SetMetrics(m *telemetry.Metrics) { a.metrics = m }

// Summarize returns one row per blood type, in inventory.BloodTypes order,
// including types with no units. Deleted units are not counted.
func (a *Aggregator) Summarize(ctx context.Context) ([]Summary, error) {
	if a.cache != nil {
		var cached []Summary
		err := a.cache.GetJSON(ctx, summaryKey, &cached)
		switch {
		case err == nil:
			a.metrics.ObserveCache(true)
			return cached, nil
		case !errors.Is(err, cache.ErrMiss):
			a.logger.Warn().Err(err).Msg("dashboard cache read failed")
		}
		a.metrics.ObserveCache(false)
	}

	counts, err := a.counts.CountByTypeAndStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count units: %w", err)
	}
	out := aggregate(counts)

	if a.cache != nil {
		if err := a.cache.SetJSON(ctx, summaryKey, out, a.ttl); err != nil {
			a.logger.Warn().Err(err).Msg("dashboard cache write failed")
		}
	}
	return out, nil
}

func aggregate(counts []inventory.StatusCount) []Summary {
	rows := make(map[inventory.BloodType]*Summary, len(inventory.BloodTypes))
	out := make([]Summary, len(inventory.BloodTypes))
	for i, bt := range inventory.BloodTypes {
		out[i].BloodType = bt
		rows[bt] = &out[i]
	}
	for _, c := range counts {
		row, ok := rows[c.BloodType]
		if !ok {
			row = rows[inventory.BloodTypeUnknown]
		}
		row.TotalUnits += c.Count
		switch c.Status {
		case inventory.StatusAvailable:
			row.AvailableUnits += c.Count
		case inventory.StatusUsed:
			row.UsedUnits += c.Count
		case inventory.StatusExpired:
			row.ExpiredUnits += c.Count
		case inventory.StatusQuarantined:
			row.QuarantinedUnits += c.Count
		}
	}
	return out
}

// Alerts returns low-stock messages for confirmed blood types, critical
// first.
func (a *Aggregator) Alerts(ctx context.Context) ([]string, error) {
	summary, err := a.Summarize(ctx)
	if err != nil {
		return nil, err
	}
	return BuildAlerts(summary, a.thresholds), nil
}

func BuildAlerts(summary []Summary, th Thresholds) []string {
	var critical, warning []string
	for _, s := range summary {
		if !s.BloodType.Transfusable() {
			continue
		}
		switch {
		case s.AvailableUnits < th.Critical:
			critical = append(critical, fmt.Sprintf("CRITICAL: only %d %s unit(s) available (below %d)",
				s.AvailableUnits, s.BloodType, th.Critical))
		case s.AvailableUnits < th.Warning:
			warning = append(warning, fmt.Sprintf("WARNING: %d %s unit(s) available (below %d)",
				s.AvailableUnits, s.BloodType, th.Warning))
		}
	}
	return append(append([]string{}, critical...), warning...)
}

// InventoryChanged drops the cached summary so the next read is fresh.
func (a *Aggregator) InventoryChanged(ctx context.Context) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Delete(ctx, summaryKey); err != nil {
		a.logger.Warn().Err(err).Msg("dashboard cache invalidation failed")
	}
}
