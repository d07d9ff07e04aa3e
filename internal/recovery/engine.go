// Package recovery replays market data a client missed while
// disconnected, sourcing recent history from a RecentSource and older
// history from an ArchiveSource, rate-limited and batched so a reconnect
// storm can't overwhelm either source.
package recovery

import (
	"context"
	"fmt"
	"time"

	gwerrors "github.com/quotewire/marketdata-gateway/infrastructure/errors"
	"github.com/quotewire/marketdata-gateway/infrastructure/logging"
	"github.com/quotewire/marketdata-gateway/infrastructure/ratelimit"
	"github.com/quotewire/marketdata-gateway/internal/domain"
	"github.com/quotewire/marketdata-gateway/internal/obsmetrics"
)

const defaultBatchSize = 100

// RecentSource serves recently observed data. In cmd/gateway it is backed
// by an in-process tick history; the smart cache orchestrator is not
// consulted.
type RecentSource interface {
	FetchRecent(ctx context.Context, symbol domain.Symbol, from, to time.Time) ([]map[string]interface{}, error)
}

// ArchiveSource serves older data from durable storage, for windows the
// recent source has already evicted.
type ArchiveSource interface {
	FetchArchive(ctx context.Context, symbol domain.Symbol, from, to time.Time) ([]map[string]interface{}, error)
}

// Sink receives the batches and terminal messages a job produces.
type Sink interface {
	SendData(ctx context.Context, clientID string, msg RecoveryDataMessage) error
	SendFailure(ctx context.Context, clientID string, msg RecoveryFailureMessage) error
}

// Engine processes RecoveryJobs.
type Engine struct {
	recent    RecentSource
	archive   ArchiveSource
	sink      Sink
	limiter   *ratelimit.RateLimiter
	logger    *logging.Logger
	metrics   *obsmetrics.Metrics
	maxWindow time.Duration
	batchSize int
	retry     RetryPolicy
}

// Config configures an Engine.
type Config struct {
	MaxRecoveryWindow time.Duration
	RateLimitPerSec   float64
	RateLimitBurst    int
	BatchSize         int
	Retry             RetryPolicy
}

// New builds an Engine. metrics may be nil, in which case job/batch
// counters go unrecorded.
func New(recent RecentSource, archive ArchiveSource, sink Sink, logger *logging.Logger, metrics *obsmetrics.Metrics, cfg Config) *Engine {
	if cfg.MaxRecoveryWindow <= 0 {
		cfg.MaxRecoveryWindow = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	rlCfg := ratelimit.DefaultConfig()
	if cfg.RateLimitPerSec > 0 {
		rlCfg.ReplayPerSecond = cfg.RateLimitPerSec
	}
	if cfg.RateLimitBurst > 0 {
		rlCfg.Burst = cfg.RateLimitBurst
	}

	return &Engine{
		recent:    recent,
		archive:   archive,
		sink:      sink,
		limiter:   ratelimit.New(rlCfg),
		logger:    logger,
		metrics:   metrics,
		maxWindow: cfg.MaxRecoveryWindow,
		batchSize: cfg.BatchSize,
		retry:     cfg.Retry,
	}
}

// NewJob validates and creates a RecoveryJob, rejecting windows wider
// than the configured maximum.
func (e *Engine) NewJob(clientID string, symbols []domain.Symbol, fromTs, toTs time.Time) (*domain.RecoveryJob, error) {
	if toTs.Before(fromTs) {
		return nil, gwerrors.New(gwerrors.CodeRecoveryWindowExceeded, "toTs precedes fromTs")
	}
	if toTs.Sub(fromTs) > e.maxWindow {
		return nil, gwerrors.New(gwerrors.CodeRecoveryWindowExceeded, "requested window exceeds the maximum recovery window").
			With("requestedWindow", toTs.Sub(fromTs).String()).
			With("maxWindow", e.maxWindow.String())
	}
	return &domain.RecoveryJob{
		ID:        fmt.Sprintf("recovery-%s-%d", clientID, time.Now().UnixNano()),
		ClientID:  clientID,
		Symbols:   symbols,
		FromTs:    fromTs,
		ToTs:      toTs,
		State:     domain.RecoveryStatePending,
		CreatedAt: time.Now(),
	}, nil
}

// recentCutoff is how far back FetchRecent is trusted before the engine
// falls back to the archive source for the remainder of the window.
const recentCutoff = time.Minute

// Process replays job's window, sourcing the tail from recent and
// anything older from archive, emitting RecoveryDataMessage batches in
// BatchIndex order with no duplicate or missing records across batch
// boundaries, rate-limited per emitted batch. Records keep the order
// collect produces them in; they are not re-sorted by timestamp.
func (e *Engine) Process(ctx context.Context, job *domain.RecoveryJob) error {
	job.State = domain.RecoveryStateActive

	var err error
attempts:
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		job.Attempts++
		err = e.attempt(ctx, job)
		if err == nil {
			job.State = domain.RecoveryStateCompleted
			e.metrics.RecordRecoveryJob(string(job.State))
			e.metrics.RecordRecoveryLatency(time.Since(job.CreatedAt).Seconds())
			return nil
		}
		if !gwerrors.IsRetryable(err) || attempt == e.retry.MaxAttempts {
			break
		}
		job.State = domain.RecoveryStateRetry
		e.metrics.RecordRecoveryJob(string(job.State))
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break attempts
		case <-time.After(e.retry.delayFor(attempt)):
		}
	}

	job.State = domain.RecoveryStateFailed
	e.metrics.RecordRecoveryJob(string(job.State))
	e.metrics.RecordRecoveryLatency(time.Since(job.CreatedAt).Seconds())
	if e.sink != nil {
		_ = e.sink.SendFailure(ctx, job.ClientID, RecoveryFailureMessage{
			Type:   "recovery_failure",
			JobID:  job.ID,
			Reason: err.Error(),
			Action: "resubscribe",
		})
	}
	return err
}

func (e *Engine) attempt(ctx context.Context, job *domain.RecoveryJob) error {
	records, err := e.collect(ctx, job)
	if err != nil {
		return err
	}

	batches := chunk(records, e.batchSize)
	for i, batch := range batches {
		if e.limiter.LimitExceeded() {
			e.metrics.RecordRecoveryRateLimitHit()
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		msg := RecoveryDataMessage{
			Type:            "recovery_data",
			RecoveryBatch:   batch,
			TotalBatches:    len(batches),
			BatchIndex:      i,
			Timestamp:       time.Now().UnixMilli(),
			TimeRangeFromTs: job.FromTs.UnixMilli(),
			TimeRangeToTs:   job.ToTs.UnixMilli(),
			IsLastBatch:     i == len(batches)-1,
		}
		if e.sink != nil {
			if err := e.sink.SendData(ctx, job.ClientID, msg); err != nil {
				return gwerrors.Wrap(gwerrors.CodeRecoveryExhausted, "send recovery batch", err)
			}
		}
		job.BatchesSent++
		job.DataPointsRecovered += len(batch)
		e.metrics.RecordRecoveryBatch(len(batch))
		if e.logger != nil {
			e.logger.LogRecoveryProgress(ctx, job.ID, job.BatchesSent, msg.IsLastBatch, nil)
		}
	}
	return nil
}

// collect gathers records for every symbol in job, splitting the window
// at recentCutoff between the recent and archive sources. For each symbol
// in job.Symbols order it appends the archive records, then the recent
// records, as the sources return them; records of different symbols are
// not interleaved by timestamp.
func (e *Engine) collect(ctx context.Context, job *domain.RecoveryJob) ([]map[string]interface{}, error) {
	var all []map[string]interface{}

	recentFrom := job.ToTs.Add(-recentCutoff)
	if recentFrom.Before(job.FromTs) {
		recentFrom = job.FromTs
	}

	for _, symbol := range job.Symbols {
		if recentFrom.After(job.FromTs) && e.archive != nil {
			archived, err := e.archive.FetchArchive(ctx, symbol, job.FromTs, recentFrom)
			if err != nil {
				return nil, gwerrors.Wrap(gwerrors.CodeRecoveryExhausted, "fetch archive window", err)
			}
			all = append(all, archived...)
		}
		if e.recent != nil {
			recent, err := e.recent.FetchRecent(ctx, symbol, recentFrom, job.ToTs)
			if err != nil {
				return nil, gwerrors.Wrap(gwerrors.CodeRecoveryExhausted, "fetch recent window", err)
			}
			all = append(all, recent...)
		}
	}
	return all, nil
}

func chunk(records []map[string]interface{}, size int) [][]map[string]interface{} {
	if len(records) == 0 {
		return [][]map[string]interface{}{{}}
	}
	var batches [][]map[string]interface{}
	for i := 0; i < len(records); i += size {
		end := i + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[i:end])
	}
	return batches
}
