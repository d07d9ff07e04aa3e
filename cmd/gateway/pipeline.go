package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quotewire/marketdata-gateway/internal/domain"
	"github.com/quotewire/marketdata-gateway/internal/ingest"
	"github.com/quotewire/marketdata-gateway/internal/obsmetrics"
	"github.com/quotewire/marketdata-gateway/internal/orchestrator"
	"github.com/quotewire/marketdata-gateway/internal/storage"
	"github.com/quotewire/marketdata-gateway/internal/stream"
	"github.com/quotewire/marketdata-gateway/internal/symbolcache"
	"github.com/quotewire/marketdata-gateway/internal/transformer"
)

// ingestPipeline is the REST ingestion shortcut: it turns one raw provider
// payload into mapped records pushed to subscribed WebSocket clients and
// durably recorded for recovery replay. A live provider connection is out
// of scope; this is the seam an upstream adapter (or, for this build, an
// operator/test client) posts into.
type ingestPipeline struct {
	engine   *transformer.Transformer
	symbols  *symbolcache.Cache
	hub      *stream.Hub
	history  *tickHistory
	port     *storage.Port
	orch     *orchestrator.Orchestrator
	strategy orchestrator.Strategy
	metrics  *obsmetrics.Metrics
}

// handle processes one REST ingestion request: /ingest/:provider?symbol=<nativeSymbol>[&recordsPath=<gjson path>].
// The payload is always mapped with the provider's stream quote_fields rule.
func (p *ingestPipeline) handle(c *gin.Context) {
	ctx := c.Request.Context()
	provider := c.Param("provider")
	nativeSymbol := domain.Symbol(c.Query("symbol"))
	if provider == "" || nativeSymbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider and symbol are required"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}

	flattened, err := ingest.Flatten(body, c.Query("recordsPath"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	result := p.engine.Transform(ctx, transformer.Request{
		Provider:     provider,
		APIType:      domain.APITypeStream,
		RuleListType: domain.RuleListQuoteFields,
		Raw:          flattened,
	})
	if result.Err != nil {
		p.recordMetric(false)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": result.Err.Error()})
		return
	}

	batch, err := p.symbols.ToStandard(ctx, provider, []domain.Symbol{nativeSymbol})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	standard, mapped := batch.Mapping[nativeSymbol]
	if !mapped {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "symbol has no provider mapping", "failed": batch.Failed})
		return
	}

	now := time.Now()
	for _, rec := range result.Data {
		rec["timestamp"] = float64(now.UnixMilli())
		p.history.record(standard, rec)
		p.hub.OnProviderEvent(standard, rec)
	}

	p.archive(ctx, standard, result.Data)
	p.recordMetric(true)

	c.JSON(http.StatusOK, gin.H{"standardSymbol": standard, "records": result.Data, "warnings": result.Warnings})
}

// archive folds newly mapped records into the symbol's durable archive
// list, the source recoverySource.FetchArchive reads from for windows
// older than the in-process tickHistory retains.
func (p *ingestPipeline) archive(ctx context.Context, symbol domain.Symbol, records []map[string]interface{}) {
	existing, ok, err := p.port.Get(ctx, archiveKey(symbol))
	var all []map[string]interface{}
	if err == nil && ok {
		_ = json.Unmarshal(existing, &all)
	}
	all = append(all, records...)

	raw, err := json.Marshal(all)
	if err != nil {
		return
	}
	_ = p.port.Set(ctx, archiveKey(symbol), raw, 0, storage.WritePersistentOnly)
}

func (p *ingestPipeline) recordMetric(ok bool) {
	if p.metrics == nil {
		return
	}
	source := "factory"
	if !ok {
		source = "rejected"
	}
	p.metrics.RecordOrchestratorRequest(string(p.strategy), source)
}
