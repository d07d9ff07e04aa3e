// Package transformer is the end-to-end entry point for a single mapping
// request: it finds the applicable rule (looking in the data mapper cache
// before falling through to the rule store), applies it via the rule
// engine, and returns the mapped records alongside statistics describing
// the work done.
package transformer

import (
	"context"
	"sync"

	gwerrors "github.com/quotewire/marketdata-gateway/infrastructure/errors"
	"github.com/quotewire/marketdata-gateway/infrastructure/logging"
	"github.com/quotewire/marketdata-gateway/internal/datamappercache"
	"github.com/quotewire/marketdata-gateway/internal/domain"
	"github.com/quotewire/marketdata-gateway/internal/ruleengine"
)

// maxBatchSize is the hard cap on the number of requests a single
// TransformBatch call will accept.
const maxBatchSize = 500

// Request is a single record to be mapped, either by an explicit rule ID
// or by (provider, apiType, ruleListType) best-match lookup.
type Request struct {
	RuleID       string
	Provider     string
	APIType      domain.APIType
	RuleListType domain.RuleListType
	Raw          interface{}
}

// Stats summarizes the work a Transform/TransformBatch call performed.
type Stats struct {
	RecordsProcessed       int
	FieldsTransformed      int
	TransformationsApplied []string
}

// Result is one request's mapped output.
type Result struct {
	Data     []map[string]interface{}
	Warnings []ruleengine.Warning
	Stats    Stats
	Err      error
}

// Transformer orchestrates rule lookup (engine + cache) and application.
type Transformer struct {
	engine *ruleengine.Engine
	cache  *datamappercache.Cache
	logger *logging.Logger
}

// New builds a Transformer. cache may be nil, in which case every lookup
// goes straight to engine.
func New(engine *ruleengine.Engine, cache *datamappercache.Cache, logger *logging.Logger) *Transformer {
	return &Transformer{engine: engine, cache: cache, logger: logger}
}

// resolveRule finds the rule a Request names, preferring the data mapper
// cache and populating it on a miss.
func (t *Transformer) resolveRule(ctx context.Context, req Request) (*domain.MappingRule, error) {
	if req.RuleID != "" {
		if t.cache != nil {
			if rule, err := t.cache.GetCachedRuleByID(ctx, req.RuleID); err == nil && rule != nil {
				return rule, nil
			}
		}
		rule := t.engine.FindByID(req.RuleID)
		if rule == nil {
			return nil, gwerrors.New(gwerrors.CodeRuleNotFound, "no rule with the given id").With("ruleId", req.RuleID)
		}
		if t.cache != nil {
			_ = t.cache.CacheRuleByID(ctx, rule)
		}
		return rule, nil
	}

	if t.cache != nil {
		if rule, err := t.cache.GetCachedBestMatchingRule(ctx, req.Provider, req.APIType, req.RuleListType); err == nil && rule != nil {
			return rule, nil
		}
	}
	rule := t.engine.FindBestMatching(req.Provider, req.APIType, req.RuleListType)
	if rule == nil {
		return nil, gwerrors.New(gwerrors.CodeRuleNotFound, "no active rule matches provider/apiType/ruleListType").
			With("provider", req.Provider).
			With("apiType", string(req.APIType)).
			With("ruleListType", string(req.RuleListType))
	}
	if t.cache != nil {
		_ = t.cache.CacheBestMatchingRule(ctx, req.Provider, req.APIType, req.RuleListType, rule)
	}
	return rule, nil
}

// Transform maps a single request end to end.
func (t *Transformer) Transform(ctx context.Context, req Request) Result {
	rule, err := t.resolveRule(ctx, req)
	if err != nil {
		return Result{Err: err}
	}

	data, warnings, err := t.engine.Apply(rule, req.Raw)
	if err != nil {
		if t.logger != nil {
			t.logger.Error(ctx, "apply rule failed", err, map[string]interface{}{"ruleId": rule.ID})
		}
		return Result{Err: gwerrors.Wrap(gwerrors.CodeSymbolTransformerFailed, "apply mapping rule", err)}
	}

	return Result{
		Data:     data,
		Warnings: warnings,
		Stats:    statsFor(rule, data),
	}
}

func statsFor(rule *domain.MappingRule, data []map[string]interface{}) Stats {
	applied := make([]string, 0, len(rule.Mappings))
	for _, m := range rule.Mappings {
		applied = append(applied, m.SourcePath+" -> "+m.TargetPath)
	}
	fieldsTransformed := 0
	for _, rec := range data {
		fieldsTransformed += len(rec)
	}
	return Stats{
		RecordsProcessed:       len(data),
		FieldsTransformed:      fieldsTransformed,
		TransformationsApplied: applied,
	}
}

// groupKey groups requests so that a single rule lookup serves the whole
// group: an explicit RuleID takes priority, else the
// (provider, apiType, ruleListType) tuple.
func groupKey(req Request) string {
	if req.RuleID != "" {
		return "id:" + req.RuleID
	}
	return "match:" + req.Provider + "|" + string(req.APIType) + "|" + string(req.RuleListType)
}

// TransformBatch groups reqs by shared rule identity, applies each group
// in parallel, and returns one Result per request in input order. Batches
// larger than maxBatchSize are rejected outright.
func (t *Transformer) TransformBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) > maxBatchSize {
		return nil, gwerrors.New(gwerrors.CodeTransformerBatchSizeExceeded, "batch exceeds the maximum transform batch size").
			With("batchSize", len(reqs)).
			With("maxBatchSize", maxBatchSize)
	}

	groups := make(map[string][]int)
	for i, req := range reqs {
		key := groupKey(req)
		groups[key] = append(groups[key], i)
	}

	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for _, indices := range groups {
		indices := indices
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Resolve the rule once per group: all indices in this group
			// share either a RuleID or a (provider,apiType,ruleListType) match.
			rule, err := t.resolveRule(ctx, reqs[indices[0]])
			if err != nil {
				for _, idx := range indices {
					results[idx] = Result{Err: err}
				}
				return
			}
			for _, idx := range indices {
				data, warnings, applyErr := t.engine.Apply(rule, reqs[idx].Raw)
				if applyErr != nil {
					results[idx] = Result{Err: gwerrors.Wrap(gwerrors.CodeSymbolTransformerFailed, "apply mapping rule", applyErr)}
					continue
				}
				results[idx] = Result{
					Data:     data,
					Warnings: warnings,
					Stats:    statsFor(rule, data),
				}
			}
		}()
	}
	wg.Wait()

	return results, nil
}
