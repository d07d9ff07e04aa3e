package datamappercache

import (
	"encoding/json"

	"github.com/quotewire/marketdata-gateway/internal/domain"
)

// JSONCodec is the default Codec, used because the cached payload is a
// small, already-structured value with no need for a binary format.
type JSONCodec struct{}

func (JSONCodec) Marshal(rule *domain.MappingRule) ([]byte, error) {
	return json.Marshal(rule)
}

func (JSONCodec) Unmarshal(data []byte) (*domain.MappingRule, error) {
	var rule domain.MappingRule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

func (JSONCodec) MarshalList(rules []*domain.MappingRule) ([]byte, error) {
	return json.Marshal(rules)
}

func (JSONCodec) UnmarshalList(data []byte) ([]*domain.MappingRule, error) {
	var rules []*domain.MappingRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}
