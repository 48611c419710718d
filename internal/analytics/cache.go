package analytics

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/playwatch/playwatch/internal/storage"
	"github.com/playwatch/playwatch/internal/tracker"
)

// MetricType names one memoized aggregate.
type MetricType string

const (
	MetricTodayTotal           MetricType = "today_total"
	MetricYesterdayTotal       MetricType = "yesterday_total"
	MetricWeeklyByProgram      MetricType = "weekly_by_program"
	MetricMonthlyTrend         MetricType = "monthly_trend"
	MetricHalfYearDistribution MetricType = "half_year_distribution"
	MetricTotalDistribution    MetricType = "total_distribution"
)

const (
	// The trend metric serves per-day totals for the trailing half year.
	trendWindowDays = 180

	defaultDistributionRange = 180

	memoryCacheSize = 64
)

var (
	ErrUnknownMetric = errors.New("unknown metric type")
	ErrInvalidRange  = errors.New("invalid range for metric")
)

// ParseMetricType validates a metric name from an API path or CLI argument.
func ParseMetricType(s string) (MetricType, error) {
	switch MetricType(s) {
	case MetricTodayTotal, MetricYesterdayTotal, MetricWeeklyByProgram,
		MetricMonthlyTrend, MetricHalfYearDistribution, MetricTotalDistribution:
		return MetricType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMetric, s)
}

// Result is a cache read or refresh outcome.
type Result struct {
	MetricType string          `json:"metric_type"`
	DateKey    string          `json:"date_key"`
	Payload    json.RawMessage `json:"payload"`
	ComputedAt time.Time       `json:"computed_at"`
}

// Cache memoizes aggregates keyed by (metric, today's date in the configured
// zone). A read either returns the stored payload verbatim or computes, stores
// and returns it; Refresh recomputes and overwrites unconditionally. There is
// no TTL within a day — the key changes at local midnight and stale entries
// simply stop being read. Entries persist in sqlite with a small LRU in front.
type Cache struct {
	store   *storage.Store
	agg     *Aggregator
	logger  *zap.Logger
	metrics *tracker.Metrics
	now     func() time.Time

	mem *lru.Cache[string, storage.CacheEntry]
}

func NewCache(store *storage.Store, loc *time.Location, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Size is generous: a handful of metric types times a few range
	// variants per day.
	mem, err := lru.New[string, storage.CacheEntry](memoryCacheSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}

	return &Cache{
		store:   store,
		agg:     NewAggregator(store, loc),
		logger:  logger,
		metrics: tracker.GetMetrics(),
		now:     time.Now,
		mem:     mem,
	}
}

// metricKey folds the range variant into the stored metric type so each
// variant occupies its own cache row.
func metricKey(metric MetricType, rangeDays int) (string, error) {
	if metric == MetricHalfYearDistribution {
		switch rangeDays {
		case 0:
			rangeDays = defaultDistributionRange
		case 30, defaultDistributionRange:
		default:
			return "", fmt.Errorf("%w: %s does not support %dd", ErrInvalidRange, metric, rangeDays)
		}
		return fmt.Sprintf("%s_%dd", metric, rangeDays), nil
	}
	if rangeDays != 0 {
		return "", fmt.Errorf("%w: %s takes no range", ErrInvalidRange, metric)
	}
	return string(metric), nil
}

// Get returns the memoized payload for the metric, computing and storing it
// on a miss. rangeDays is only meaningful for the windowed distribution (30
// or 180; 0 means the default).
func (c *Cache) Get(metric MetricType, rangeDays int) (Result, error) {
	key, err := metricKey(metric, rangeDays)
	if err != nil {
		return Result{}, err
	}
	dateKey := c.agg.dateKey(c.now())
	memKey := key + "|" + dateKey

	if entry, ok := c.mem.Get(memKey); ok {
		c.metrics.RecordCacheHit(key)
		return resultFromEntry(entry), nil
	}

	entry, err := c.store.GetCacheEntry(key, dateKey)
	if err == nil {
		c.mem.Add(memKey, entry)
		c.metrics.RecordCacheHit(key)
		return resultFromEntry(entry), nil
	}
	if !errors.Is(err, storage.ErrCacheMiss) {
		return Result{}, fmt.Errorf("read cache entry: %w", err)
	}

	c.metrics.RecordCacheMiss(key)
	return c.refresh(metric, key, dateKey, rangeDays)
}

// Refresh recomputes the metric and overwrites any stored entry for today.
func (c *Cache) Refresh(metric MetricType, rangeDays int) (Result, error) {
	key, err := metricKey(metric, rangeDays)
	if err != nil {
		return Result{}, err
	}
	dateKey := c.agg.dateKey(c.now())
	return c.refresh(metric, key, dateKey, rangeDays)
}

// refresh computes the payload and writes it through. Aggregation errors
// propagate and leave any existing entry untouched.
func (c *Cache) refresh(metric MetricType, key, dateKey string, rangeDays int) (Result, error) {
	payload, err := c.compute(metric, rangeDays)
	if err != nil {
		return Result{}, err
	}

	entry := storage.CacheEntry{
		MetricType: key,
		DateKey:    dateKey,
		Payload:    payload,
		ComputedAt: c.now().UTC(),
	}
	if err := c.store.PutCacheEntry(entry); err != nil {
		return Result{}, fmt.Errorf("store cache entry: %w", err)
	}
	c.mem.Add(key+"|"+dateKey, entry)

	c.metrics.RecordCacheRefresh(key)
	c.logger.Debug("cache entry refreshed",
		zap.String("metric_type", key),
		zap.String("date_key", dateKey))

	return resultFromEntry(entry), nil
}

func (c *Cache) compute(metric MetricType, rangeDays int) ([]byte, error) {
	now := c.now()

	var (
		payload any
		err     error
	)
	switch metric {
	case MetricTodayTotal:
		payload, err = c.agg.DayTotalFor(now)
	case MetricYesterdayTotal:
		payload, err = c.agg.DayTotalFor(now.AddDate(0, 0, -1))
	case MetricWeeklyByProgram:
		payload, err = c.agg.WeeklyByProgram(now)
	case MetricMonthlyTrend:
		payload, err = c.agg.Trend(now, trendWindowDays)
	case MetricHalfYearDistribution:
		if rangeDays == 0 {
			rangeDays = defaultDistributionRange
		}
		payload, err = c.agg.RangeDistribution(now, rangeDays)
	case MetricTotalDistribution:
		payload, err = c.agg.TotalDistribution()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
	if err != nil {
		return nil, fmt.Errorf("compute %s: %w", metric, err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", metric, err)
	}
	return raw, nil
}

func resultFromEntry(entry storage.CacheEntry) Result {
	return Result{
		MetricType: entry.MetricType,
		DateKey:    entry.DateKey,
		Payload:    json.RawMessage(entry.Payload),
		ComputedAt: entry.ComputedAt,
	}
}
