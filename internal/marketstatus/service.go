package marketstatus

import (
	"context"
	"time"

	"github.com/quotewire/marketdata-gateway/infrastructure/cache"
	gwerrors "github.com/quotewire/marketdata-gateway/infrastructure/errors"
	"github.com/quotewire/marketdata-gateway/internal/domain"
)

// Mode selects how aggressively status results are cached: REALTIME
// favors freshness for live trading decisions, ANALYTICAL favors fewer
// recomputations for dashboards and batch jobs.
type Mode string

const (
	ModeRealtime   Mode = "REALTIME"
	ModeAnalytical Mode = "ANALYTICAL"
)

var modeTTL = map[Mode]time.Duration{
	ModeRealtime:   time.Minute,
	ModeAnalytical: 10 * time.Minute,
}

// ProviderStatusSource optionally supplies an upstream provider's own
// view of a market's status, merged into the computed result: agreement
// leaves confidence at 1.0, disagreement lowers it.
type ProviderStatusSource interface {
	ProviderStatus(ctx context.Context, market domain.Market) (domain.MarketState, bool)
}

// Service computes MarketStatus for configured schedules.
type Service struct {
	schedules map[domain.Market]Schedule
	provider  ProviderStatusSource
	cache     *cache.Cache
}

// New builds a Service over the given schedules, keyed by market. Status
// results are cached per (market, mode) with the mode's own TTL (1 minute
// for REALTIME, 10 minutes for ANALYTICAL), in an in-process TTL cache
// that InvalidateSchedule clears when a schedule is reloaded. The TTL
// depends on the mode only, not on whether the market is trading.
func New(schedules []Schedule, provider ProviderStatusSource) *Service {
	byMarket := make(map[domain.Market]Schedule, len(schedules))
	for _, s := range schedules {
		byMarket[s.Market] = s
	}
	return &Service{
		schedules: byMarket,
		provider:  provider,
		cache:     cache.NewCache(cache.Config{DefaultTTL: modeTTL[ModeRealtime]}),
	}
}

// IsTrading reports whether market is currently in a trading session,
// satisfying orchestrator.MarketStatusSource for the MARKET_AWARE
// strategy. Any error (e.g. an unconfigured market) is treated as "not
// trading", the conservative choice for TTL selection.
func (s *Service) IsTrading(market string) bool {
	status, err := s.Status(context.Background(), domain.Market(market), ModeRealtime)
	if err != nil {
		return false
	}
	return status.State == domain.MarketTrading
}

// Status returns market's current trading status under mode, serving a
// cached result within mode's TTL and recomputing otherwise.
func (s *Service) Status(ctx context.Context, market domain.Market, mode Mode) (domain.MarketStatus, error) {
	key := string(market) + "|" + string(mode)
	ttl := modeTTL[mode]
	if ttl == 0 {
		ttl = modeTTL[ModeRealtime]
	}

	if cached, ok := s.cache.Get(key); ok {
		return cached.(domain.MarketStatus), nil
	}

	status, err := s.statusAt(ctx, market, time.Now())
	if err != nil {
		return domain.MarketStatus{}, err
	}

	s.cache.Set(key, status, ttl)
	return status, nil
}

// InvalidateSchedule drops every cached status so a schedule reload (new
// holiday calendar, DST transition) is picked up on the next lookup
// instead of serving a stale result until TTL expiry.
func (s *Service) InvalidateSchedule() {
	s.cache.InvalidateAll()
}

// statusAt computes market's status as of at, a test seam that keeps
// Status's caching logic separate from the underlying schedule evaluation.
func (s *Service) statusAt(ctx context.Context, market domain.Market, at time.Time) (domain.MarketStatus, error) {
	schedule, ok := s.schedules[market]
	if !ok {
		return domain.MarketStatus{}, gwerrors.New(gwerrors.CodeUnknownMarket, "no trading schedule configured for market").With("market", string(market))
	}

	loc, err := schedule.location()
	if err != nil {
		return domain.MarketStatus{}, gwerrors.Wrap(gwerrors.CodeUnknownMarket, "load market timezone", err)
	}
	now := at.In(loc)

	status := domain.MarketStatus{Market: market, Confidence: 1.0}

	if !schedule.TradingDays[now.Weekday()] {
		status.State = domain.MarketWeekend
		status.CurrentSession = "weekend"
		return s.mergeProvider(ctx, status), nil
	}
	if schedule.Holidays[now.Format("2006-01-02")] {
		status.State = domain.MarketHoliday
		status.CurrentSession = "holiday"
		return s.mergeProvider(ctx, status), nil
	}

	for _, session := range schedule.Sessions {
		start, err := parseClock(session.Start, now, loc)
		if err != nil {
			return domain.MarketStatus{}, gwerrors.Wrap(gwerrors.CodeUnknownMarket, "parse session window", err)
		}
		end, err := parseClock(session.End, now, loc)
		if err != nil {
			return domain.MarketStatus{}, gwerrors.Wrap(gwerrors.CodeUnknownMarket, "parse session window", err)
		}
		if !now.Before(start) && now.Before(end) {
			status.State = session.State
			status.CurrentSession = session.Name
			next := end
			status.NextSessionStart = &next
			return s.mergeProvider(ctx, status), nil
		}
	}

	status.State = domain.MarketClosed
	status.CurrentSession = "closed"
	if next, ok := s.nextSessionStart(schedule, now, loc); ok {
		status.NextSessionStart = &next
	}
	return s.mergeProvider(ctx, status), nil
}

// nextSessionStart finds the next session boundary, looking across up to
// 7 days to skip weekends/holidays.
func (s *Service) nextSessionStart(schedule Schedule, from time.Time, loc *time.Location) (time.Time, bool) {
	for dayOffset := 0; dayOffset < 7; dayOffset++ {
		day := from.AddDate(0, 0, dayOffset)
		if !schedule.TradingDays[day.Weekday()] {
			continue
		}
		if schedule.Holidays[day.Format("2006-01-02")] {
			continue
		}
		for _, session := range schedule.Sessions {
			start, err := parseClock(session.Start, day, loc)
			if err != nil {
				continue
			}
			if start.After(from) {
				return start, true
			}
		}
	}
	return time.Time{}, false
}

// mergeProvider reconciles the schedule-computed status against a
// configured provider source. Agreement leaves status untouched at full
// confidence. On disagreement, the provider wins: its reported state
// replaces the schedule-computed one, since it reflects live upstream
// conditions (early closes, trading halts) the static schedule can't
// see, while confidence drops to flag the reconciliation to callers.
func (s *Service) mergeProvider(ctx context.Context, status domain.MarketStatus) domain.MarketStatus {
	if s.provider == nil {
		return status
	}
	providerState, ok := s.provider.ProviderStatus(ctx, status.Market)
	if !ok {
		return status
	}
	if providerState != status.State {
		status.State = providerState
		status.Confidence = 0.5
	}
	return status
}
