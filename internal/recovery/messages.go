package recovery

import "github.com/quotewire/marketdata-gateway/internal/domain"

// RecoveryDataMessage is one batch of replayed historical data pushed to
// a reconnecting client, with enough bookkeeping for the client to know
// when the replay is finished.
type RecoveryDataMessage struct {
	Type            string                   `json:"type"`
	RecoveryBatch   []map[string]interface{} `json:"recoveryBatch"`
	TotalBatches    int                      `json:"totalBatches"`
	BatchIndex      int                      `json:"batchIndex"`
	Timestamp       int64                    `json:"timestamp"`
	TimeRangeFromTs int64                    `json:"timeRangeFromTs"`
	TimeRangeToTs   int64                    `json:"timeRangeToTs"`
	IsLastBatch     bool                     `json:"isLastBatch"`
}

// RecoveryFailureMessage reports a terminal recovery failure and what the
// client should do next.
type RecoveryFailureMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Reason  string `json:"reason"`
	Action  string `json:"action"` // e.g. "resubscribe", "retry_later"
}

// Symbols is a convenience alias used by job construction.
type Symbols = []domain.Symbol
