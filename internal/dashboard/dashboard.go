package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Activity zones relative to the service's weekly median.
const (
	ZoneLow    = "low"
	ZoneMedium = "medium"
	ZoneHigh   = "high"
)

// Market pulse values derived from the two service zones.
const (
	PulseCalm       = "calm"
	PulseNormal     = "normal"
	PulseActive     = "active"
	PulseVeryActive = "very_active"
)

type ImpulseStats struct {
	TodayCount   int    `json:"today_count"`
	GrowthCount  int    `json:"growth_count"`
	FallCount    int    `json:"fall_count"`
	ActivityZone string `json:"activity_zone"`
}

type BabloStats struct {
	TodayCount   int     `json:"today_count"`
	LongCount    int     `json:"long_count"`
	ShortCount   int     `json:"short_count"`
	AvgQuality   float64 `json:"avg_quality"`
	ActivityZone string  `json:"activity_zone"`
}

type Summary struct {
	Impulses    ImpulseStats `json:"impulses"`
	Bablo       BabloStats   `json:"bablo"`
	MarketPulse string       `json:"market_pulse"`
	Timestamp   time.Time    `json:"timestamp"`
}

// SignalEntry is one signal in the merged history, tagged with the service
// that produced it. The signal body is passed through untouched.
type SignalEntry struct {
	Service    string          `json:"service"`
	ReceivedAt time.Time       `json:"received_at"`
	Signal     json.RawMessage `json:"signal"`
}

// Service aggregates analytics from the signal services for the mini app
// dashboard. A service that is down degrades to zeroed stats instead of
// failing the whole view.
type Service struct {
	logger     *zap.Logger
	client     *http.Client
	impulseURL string
	babloURL   string
	now        func() time.Time
}

func NewService(logger *zap.Logger, impulseURL string, babloURL string) *Service {
	return &Service{
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
		impulseURL: impulseURL,
		babloURL:   babloURL,
		now:        time.Now,
	}
}

type impulseAnalytics struct {
	TotalImpulses int `json:"total_impulses"`
	GrowthCount   int `json:"growth_count"`
	FallCount     int `json:"fall_count"`
	Comparison    struct {
		VsWeekMedian json.RawMessage `json:"vs_week_median"`
	} `json:"comparison"`
}

type babloAnalytics struct {
	TotalSignals int      `json:"total_signals"`
	LongCount    int      `json:"long_count"`
	ShortCount   int      `json:"short_count"`
	AvgQuality   *float64 `json:"average_quality"`
}

// Summary fetches today's analytics from both services in parallel and folds
// them into the combined dashboard view.
func (s *Service) Summary(ctx context.Context) Summary {
	var (
		wg            sync.WaitGroup
		impulse       impulseAnalytics
		impulseMedian float64
		bablo         babloAnalytics
		babloMedian   float64
	)

	wg.Add(2)
	go func() {
		defer wg.Done()

		if err := s.fetchJSON(ctx, s.impulseURL+"/api/v1/analytics/today", &impulse); err != nil {
			s.logger.Warn("impulse analytics unavailable", zap.Error(err))
			impulse = impulseAnalytics{}

			return
		}

		impulseMedian = parseMedian(impulse.Comparison.VsWeekMedian)
	}()
	go func() {
		defer wg.Done()

		if err := s.fetchJSON(ctx, s.babloURL+"/api/v1/analytics/today", &bablo); err != nil {
			s.logger.Warn("bablo analytics unavailable", zap.Error(err))
			bablo = babloAnalytics{}

			return
		}

		// TODO: use a real weekly median once the bablo service exposes one;
		// 0.8x today's volume is a rough stand-in.
		babloMedian = float64(bablo.TotalSignals) * 0.8
	}()
	wg.Wait()

	impulseZone := activityZone(impulse.TotalImpulses, impulseMedian)
	babloZone := activityZone(bablo.TotalSignals, babloMedian)

	var avgQuality float64
	if bablo.AvgQuality != nil {
		avgQuality = *bablo.AvgQuality
	}

	return Summary{
		Impulses: ImpulseStats{
			TodayCount:   impulse.TotalImpulses,
			GrowthCount:  impulse.GrowthCount,
			FallCount:    impulse.FallCount,
			ActivityZone: impulseZone,
		},
		Bablo: BabloStats{
			TodayCount:   bablo.TotalSignals,
			LongCount:    bablo.LongCount,
			ShortCount:   bablo.ShortCount,
			AvgQuality:   avgQuality,
			ActivityZone: babloZone,
		},
		MarketPulse: marketPulse(impulseZone, babloZone),
		Timestamp:   s.now().UTC(),
	}
}

type signalList struct {
	Signals []json.RawMessage `json:"signals"`
}

// RecentSignals merges the latest signals of both services, newest first,
// truncated to limit.
func (s *Service) RecentSignals(ctx context.Context, limit int) []SignalEntry {
	query := "/api/v1/signals?limit=" + strconv.Itoa(limit)

	sources := []struct {
		service string
		url     string
	}{
		{"impulse", s.impulseURL + query},
		{"bablo", s.babloURL + query},
	}

	var wg sync.WaitGroup
	results := make([][]SignalEntry, len(sources))

	wg.Add(len(sources))
	for i, source := range sources {
		go func() {
			defer wg.Done()

			var list signalList
			if err := s.fetchJSON(ctx, source.url, &list); err != nil {
				s.logger.Warn("signal history unavailable",
					zap.String("service", source.service),
					zap.Error(err))

				return
			}

			entries := make([]SignalEntry, 0, len(list.Signals))
			for _, raw := range list.Signals {
				entries = append(entries, SignalEntry{
					Service:    source.service,
					ReceivedAt: receivedAt(raw),
					Signal:     raw,
				})
			}
			results[i] = entries
		}()
	}
	wg.Wait()

	merged := make([]SignalEntry, 0, 2*limit)
	for _, entries := range results {
		merged = append(merged, entries...)
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ReceivedAt.After(merged[j].ReceivedAt)
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}

	return merged
}

func (s *Service) fetchJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// parseMedian reads the vs_week_median comparison value, which arrives as a
// number, a numeric string, or prose; anything non-numeric counts as no
// median.
func parseMedian(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}

	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0
	}

	median, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0
	}

	return median
}

// receivedAt extracts the signal timestamp. The services emit ISO timestamps
// with and without a zone suffix depending on version.
func receivedAt(signal json.RawMessage) time.Time {
	var envelope struct {
		ReceivedAt string `json:"received_at"`
	}
	if err := json.Unmarshal(signal, &envelope); err != nil || envelope.ReceivedAt == "" {
		return time.Time{}
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if ts, err := time.Parse(layout, envelope.ReceivedAt); err == nil {
			return ts
		}
	}

	return time.Time{}
}

// activityZone grades today's count against the weekly median. No median
// means no baseline, which reads as normal load.
func activityZone(current int, median float64) string {
	if median == 0 {
		return ZoneMedium
	}

	ratio := float64(current) / median
	if ratio < 0.5 {
		return ZoneLow
	}
	if ratio > 1.5 {
		return ZoneHigh
	}

	return ZoneMedium
}

func marketPulse(impulseZone string, babloZone string) string {
	var high, low int
	for _, zone := range []string{impulseZone, babloZone} {
		switch zone {
		case ZoneHigh:
			high++
		case ZoneLow:
			low++
		}
	}

	switch {
	case high == 2:
		return PulseVeryActive
	case high == 1:
		return PulseActive
	case low == 2:
		return PulseCalm
	default:
		return PulseNormal
	}
}
