package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gwerrors "github.com/quotewire/marketdata-gateway/infrastructure/errors"
	"github.com/quotewire/marketdata-gateway/internal/domain"
)

type fakeRecent struct {
	records []map[string]interface{}
}

func (f *fakeRecent) FetchRecent(ctx context.Context, symbol domain.Symbol, from, to time.Time) ([]map[string]interface{}, error) {
	return f.records, nil
}

type fakeArchive struct {
	records []map[string]interface{}
}

func (f *fakeArchive) FetchArchive(ctx context.Context, symbol domain.Symbol, from, to time.Time) ([]map[string]interface{}, error) {
	return f.records, nil
}

type fakeSink struct {
	messages []RecoveryDataMessage
	failures []RecoveryFailureMessage
}

func (f *fakeSink) SendData(ctx context.Context, clientID string, msg RecoveryDataMessage) error {
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeSink) SendFailure(ctx context.Context, clientID string, msg RecoveryFailureMessage) error {
	f.failures = append(f.failures, msg)
	return nil
}

func recordsWithTimestamps(n int, start int64) []map[string]interface{} {
	out := make([]map[string]interface{}, n)
	for i := 0; i < n; i++ {
		out[i] = map[string]interface{}{"ts": start + int64(i)}
	}
	return out
}

// TestProcess_EmitsMonotonicBatchesWithNoGapsOrDuplicates covers scenario
// S5: recovered records appear exactly once, in order, across batches.
func TestProcess_EmitsMonotonicBatchesWithNoGapsOrDuplicates(t *testing.T) {
	archive := &fakeArchive{records: recordsWithTimestamps(50, 1000)}
	recent := &fakeRecent{records: recordsWithTimestamps(50, 1050)}
	sink := &fakeSink{}

	engine := New(recent, archive, sink, nil, nil, Config{
		MaxRecoveryWindow: time.Hour,
		BatchSize:         30,
		RateLimitPerSec:   1000,
		RateLimitBurst:    1000,
	})

	job, err := engine.NewJob("client-1", []domain.Symbol{"700.HK"}, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	require.NoError(t, engine.Process(context.Background(), job))
	require.Equal(t, domain.RecoveryStateCompleted, job.State)

	var seen []int64
	for i, msg := range sink.messages {
		require.Equal(t, i, msg.BatchIndex)
		require.Equal(t, len(sink.messages), msg.TotalBatches)
		for _, rec := range msg.RecoveryBatch {
			seen = append(seen, rec["ts"].(int64))
		}
	}
	require.True(t, sink.messages[len(sink.messages)-1].IsLastBatch)
	require.Len(t, seen, 100)

	seenSet := make(map[int64]int)
	for _, ts := range seen {
		seenSet[ts]++
	}
	for ts, count := range seenSet {
		require.Equal(t, 1, count, "timestamp %d duplicated", ts)
	}
}

func TestNewJob_RejectsWindowExceedingMaximum(t *testing.T) {
	engine := New(nil, nil, nil, nil, nil, Config{MaxRecoveryWindow: 5 * time.Minute})

	from := time.Now().Add(-5 * time.Minute)
	to := from.Add(5 * time.Minute)
	_, err := engine.NewJob("c1", nil, from, to)
	require.NoError(t, err)

	_, err = engine.NewJob("c1", nil, from, to.Add(time.Millisecond))
	require.Error(t, err)
	require.True(t, gwerrors.Is(err, gwerrors.CodeRecoveryWindowExceeded))
}

func TestProcess_TerminatesOnNonRetryableFailure(t *testing.T) {
	sink := &fakeSink{}
	failingSink := &failingFirstSink{fakeSink: sink}
	engine := New(&fakeRecent{}, &fakeArchive{}, failingSink, nil, nil, Config{
		MaxRecoveryWindow: time.Hour,
		Retry:             RetryPolicy{Kind: RetryFixed, MaxAttempts: 2, BaseDelay: time.Millisecond},
	})

	job, err := engine.NewJob("c1", []domain.Symbol{"700.HK"}, time.Now().Add(-time.Minute), time.Now())
	require.NoError(t, err)

	err = engine.Process(context.Background(), job)
	require.Error(t, err)
	require.Equal(t, domain.RecoveryStateFailed, job.State)
	require.Len(t, sink.failures, 1)
}

type failingFirstSink struct {
	*fakeSink
}

func (f *failingFirstSink) SendData(ctx context.Context, clientID string, msg RecoveryDataMessage) error {
	return gwerrors.New(gwerrors.CodeRecoveryExhausted, "archive source unavailable")
}
