package marketstatus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quotewire/marketdata-gateway/internal/domain"
)

func TestCompute_HKLunchBreakAndTrading(t *testing.T) {
	schedule := HKSchedule()
	loc, err := schedule.location()
	require.NoError(t, err)

	svc := New([]Schedule{schedule}, nil)

	// 2026-07-29 is a Wednesday: a normal HK trading day.
	lunch := time.Date(2026, 7, 29, 12, 30, 0, 0, loc)
	status, err := svc.statusAt(context.Background(), "HK", lunch)
	require.NoError(t, err)
	require.Equal(t, domain.MarketLunchBreak, status.State)
	require.Equal(t, "lunch_break", status.CurrentSession)

	morning := time.Date(2026, 7, 29, 10, 0, 0, 0, loc)
	status, err = svc.statusAt(context.Background(), "HK", morning)
	require.NoError(t, err)
	require.Equal(t, domain.MarketTrading, status.State)
	require.Equal(t, "morning", status.CurrentSession)
}

func TestCompute_WeekendShortCircuits(t *testing.T) {
	schedule := HKSchedule()
	loc, err := schedule.location()
	require.NoError(t, err)
	svc := New([]Schedule{schedule}, nil)

	// 2026-08-01 is a Saturday.
	saturday := time.Date(2026, 8, 1, 10, 0, 0, 0, loc)
	status, err := svc.statusAt(context.Background(), "HK", saturday)
	require.NoError(t, err)
	require.Equal(t, domain.MarketWeekend, status.State)
}

func TestCompute_HolidayShortCircuits(t *testing.T) {
	schedule := HKSchedule()
	schedule.Holidays = map[string]bool{"2026-07-29": true}
	loc, err := schedule.location()
	require.NoError(t, err)
	svc := New([]Schedule{schedule}, nil)

	at := time.Date(2026, 7, 29, 10, 0, 0, 0, loc)
	status, err := svc.statusAt(context.Background(), "HK", at)
	require.NoError(t, err)
	require.Equal(t, domain.MarketHoliday, status.State)
}

func TestCompute_USHandlesDSTBoundary(t *testing.T) {
	schedule := USSchedule()
	loc, err := schedule.location()
	require.NoError(t, err)
	svc := New([]Schedule{schedule}, nil)

	// 2026-03-09 is the US spring-forward Monday; 09:45 local is still
	// correctly inside the regular trading session despite the clock
	// change, since the zone database handles the offset.
	at := time.Date(2026, 3, 9, 9, 45, 0, 0, loc)
	status, err := svc.statusAt(context.Background(), "US", at)
	require.NoError(t, err)
	require.Equal(t, domain.MarketTrading, status.State)
}

func TestCompute_OutsideAllSessionsIsClosed(t *testing.T) {
	schedule := USSchedule()
	loc, err := schedule.location()
	require.NoError(t, err)
	svc := New([]Schedule{schedule}, nil)

	at := time.Date(2026, 7, 29, 2, 0, 0, 0, loc)
	status, err := svc.statusAt(context.Background(), "US", at)
	require.NoError(t, err)
	require.Equal(t, domain.MarketClosed, status.State)
	require.NotNil(t, status.NextSessionStart)
}

type fakeProvider struct {
	state domain.MarketState
	ok    bool
}

func (f fakeProvider) ProviderStatus(ctx context.Context, market domain.Market) (domain.MarketState, bool) {
	return f.state, f.ok
}

// countingProvider wraps fakeProvider to count calls, so tests can assert
// a Status call was served from cache instead of recomputed.
type countingProvider struct {
	fakeProvider
	calls int
}

func (c *countingProvider) ProviderStatus(ctx context.Context, market domain.Market) (domain.MarketState, bool) {
	c.calls++
	return c.fakeProvider.ProviderStatus(ctx, market)
}

func TestMergeProvider_DisagreementLowersConfidence(t *testing.T) {
	schedule := HKSchedule()
	loc, err := schedule.location()
	require.NoError(t, err)
	svc := New([]Schedule{schedule}, fakeProvider{state: domain.MarketClosed, ok: true})

	morning := time.Date(2026, 7, 29, 10, 0, 0, 0, loc)
	status, err := svc.statusAt(context.Background(), "HK", morning)
	require.NoError(t, err)
	require.Equal(t, domain.MarketClosed, status.State, "provider should win on disagreement")
	require.Equal(t, 0.5, status.Confidence)
}

func TestMergeProvider_AgreementKeepsFullConfidence(t *testing.T) {
	schedule := HKSchedule()
	loc, err := schedule.location()
	require.NoError(t, err)
	svc := New([]Schedule{schedule}, fakeProvider{state: domain.MarketTrading, ok: true})

	morning := time.Date(2026, 7, 29, 10, 0, 0, 0, loc)
	status, err := svc.statusAt(context.Background(), "HK", morning)
	require.NoError(t, err)
	require.Equal(t, domain.MarketTrading, status.State)
	require.Equal(t, 1.0, status.Confidence)
}

func TestStatus_CachesWithinModeTTL(t *testing.T) {
	schedule := HKSchedule()
	provider := &countingProvider{fakeProvider: fakeProvider{state: domain.MarketTrading, ok: true}}
	svc := New([]Schedule{schedule}, provider)

	first, err := svc.Status(context.Background(), "HK", ModeRealtime)
	require.NoError(t, err)

	second, err := svc.Status(context.Background(), "HK", ModeRealtime)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, provider.calls, "second Status call within TTL should be served from cache")
}

func TestStatus_InvalidateScheduleForcesRecompute(t *testing.T) {
	schedule := HKSchedule()
	provider := &countingProvider{fakeProvider: fakeProvider{state: domain.MarketTrading, ok: true}}
	svc := New([]Schedule{schedule}, provider)

	_, err := svc.Status(context.Background(), "HK", ModeRealtime)
	require.NoError(t, err)

	svc.InvalidateSchedule()

	_, err = svc.Status(context.Background(), "HK", ModeRealtime)
	require.NoError(t, err)
	require.Equal(t, 2, provider.calls, "invalidation should force a fresh computation")
}

func TestStatus_UnknownMarketErrors(t *testing.T) {
	svc := New([]Schedule{HKSchedule()}, nil)
	_, err := svc.Status(context.Background(), "ZZ", ModeRealtime)
	require.Error(t, err)
}
