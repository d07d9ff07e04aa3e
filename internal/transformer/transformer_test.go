package transformer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/quotewire/marketdata-gateway/infrastructure/errors"
	"github.com/quotewire/marketdata-gateway/internal/datamappercache"
	"github.com/quotewire/marketdata-gateway/internal/domain"
	"github.com/quotewire/marketdata-gateway/internal/ruleengine"
)

func quoteRule(id, provider string) *domain.MappingRule {
	return &domain.MappingRule{
		ID:           id,
		Provider:     provider,
		APIType:      domain.APITypeREST,
		RuleListType: domain.RuleListQuoteFields,
		IsDefault:    true,
		State:        domain.RuleStateActive,
		UpdatedAt:    time.Now(),
		Mappings: []domain.FieldMapping{
			{SourcePath: "secu_quote[].last_done", TargetPath: "price", Transform: domain.Transform{Kind: domain.TransformMultiply, Operand: 1}},
			{SourcePath: "secu_quote[].volume", TargetPath: "volume", Transform: domain.Transform{Kind: domain.TransformNone}},
		},
	}
}

func newTestTransformer(t *testing.T) *Transformer {
	t.Helper()
	store := ruleengine.NewStore()
	store.Put(quoteRule("rule-longport", "longport"))
	store.Put(quoteRule("rule-futu", "futu"))
	engine := ruleengine.NewEngine(store)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := datamappercache.New(client, datamappercache.JSONCodec{}, nil, nil, datamappercache.Config{})

	return New(engine, cache, nil)
}

func rawPayload(lastDone, volume string) map[string]interface{} {
	return map[string]interface{}{
		"secu_quote": []interface{}{
			map[string]interface{}{"last_done": lastDone, "volume": volume},
		},
	}
}

func TestTransform_FindsAndAppliesBestMatchingRule(t *testing.T) {
	tr := newTestTransformer(t)
	result := tr.Transform(context.Background(), Request{
		Provider:     "longport",
		APIType:      domain.APITypeREST,
		RuleListType: domain.RuleListQuoteFields,
		Raw:          rawPayload("123.45", "1000"),
	})
	require.NoError(t, result.Err)
	require.Len(t, result.Data, 1)
	require.Equal(t, 123.45, result.Data[0]["price"])
	require.Equal(t, 1, result.Stats.RecordsProcessed)
	require.Len(t, result.Stats.TransformationsApplied, 2)
}

func TestTransform_UnknownProviderReturnsRuleNotFound(t *testing.T) {
	tr := newTestTransformer(t)
	result := tr.Transform(context.Background(), Request{
		Provider:     "unknown",
		APIType:      domain.APITypeREST,
		RuleListType: domain.RuleListQuoteFields,
		Raw:          rawPayload("1", "1"),
	})
	require.Error(t, result.Err)
	require.True(t, gwerrors.Is(result.Err, gwerrors.CodeRuleNotFound))
}

func TestTransformBatch_GroupsByProviderAndAppliesInParallel(t *testing.T) {
	tr := newTestTransformer(t)

	reqs := make([]Request, 0, 20)
	for i := 0; i < 10; i++ {
		reqs = append(reqs, Request{
			Provider: "longport", APIType: domain.APITypeREST, RuleListType: domain.RuleListQuoteFields,
			Raw: rawPayload(fmt.Sprintf("%d.5", i), "100"),
		})
		reqs = append(reqs, Request{
			Provider: "futu", APIType: domain.APITypeREST, RuleListType: domain.RuleListQuoteFields,
			Raw: rawPayload(fmt.Sprintf("%d.25", i), "200"),
		})
	}

	results, err := tr.TransformBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, len(reqs))
	for i, result := range results {
		require.NoError(t, result.Err)
		require.Len(t, result.Data, 1)
		if i%2 == 0 {
			require.Equal(t, float64(i/2)+0.5, result.Data[0]["price"])
		}
	}
}

func TestTransformBatch_ExactCapSucceeds(t *testing.T) {
	tr := newTestTransformer(t)
	reqs := make([]Request, maxBatchSize)
	for i := range reqs {
		reqs[i] = Request{
			Provider: "longport", APIType: domain.APITypeREST, RuleListType: domain.RuleListQuoteFields,
			Raw: rawPayload("1.0", "1"),
		}
	}
	_, err := tr.TransformBatch(context.Background(), reqs)
	require.NoError(t, err)
}

func TestTransformBatch_OverCapRejected(t *testing.T) {
	tr := newTestTransformer(t)
	reqs := make([]Request, maxBatchSize+1)
	for i := range reqs {
		reqs[i] = Request{
			Provider: "longport", APIType: domain.APITypeREST, RuleListType: domain.RuleListQuoteFields,
			Raw: rawPayload("1.0", "1"),
		}
	}
	_, err := tr.TransformBatch(context.Background(), reqs)
	require.Error(t, err)
	require.True(t, gwerrors.Is(err, gwerrors.CodeTransformerBatchSizeExceeded))
}

func TestTransformBatch_ByRuleIDGroupsAcrossProviders(t *testing.T) {
	tr := newTestTransformer(t)
	reqs := []Request{
		{RuleID: "rule-longport", Raw: rawPayload("1.0", "10")},
		{RuleID: "rule-longport", Raw: rawPayload("2.0", "20")},
	}
	results, err := tr.TransformBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 1.0, results[0].Data[0]["price"])
	require.Equal(t, 2.0, results[1].Data[0]["price"])
}
