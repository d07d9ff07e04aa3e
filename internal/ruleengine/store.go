// Package ruleengine loads, matches, and applies field-mapping rules that
// rewrite raw provider payloads into the canonical shape.
package ruleengine

import (
	"sort"
	"sync"

	"github.com/quotewire/marketdata-gateway/internal/domain"
)

// Store holds mapping rules in memory, keyed for fast lookup by id and by
// (provider, apiType, ruleListType). It is the backing collection the
// cache layer (internal/datamappercache) sits in front of.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*domain.MappingRule
	byGroup map[string][]*domain.MappingRule
}

// NewStore creates an empty rule store.
func NewStore() *Store {
	return &Store{
		byID:    make(map[string]*domain.MappingRule),
		byGroup: make(map[string][]*domain.MappingRule),
	}
}

func groupKey(provider string, apiType domain.APIType, ruleListType domain.RuleListType) string {
	return provider + "|" + string(apiType) + "|" + string(ruleListType)
}

// Put inserts or replaces a rule.
func (s *Store) Put(rule *domain.MappingRule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[rule.ID]; ok {
		s.removeFromGroupLocked(existing)
	}
	s.byID[rule.ID] = rule

	key := groupKey(rule.Provider, rule.APIType, rule.RuleListType)
	s.byGroup[key] = append(s.byGroup[key], rule)
}

func (s *Store) removeFromGroupLocked(rule *domain.MappingRule) {
	key := groupKey(rule.Provider, rule.APIType, rule.RuleListType)
	group := s.byGroup[key]
	for i, r := range group {
		if r.ID == rule.ID {
			s.byGroup[key] = append(group[:i], group[i+1:]...)
			break
		}
	}
}

// FindByID returns the rule with the given id, or nil.
func (s *Store) FindByID(id string) *domain.MappingRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// ListByProvider returns all rules for a (provider, apiType) pair,
// regardless of ruleListType or state.
func (s *Store) ListByProvider(provider string, apiType domain.APIType) []*domain.MappingRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MappingRule
	for key, group := range s.byGroup {
		prefix := provider + "|" + string(apiType) + "|"
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			result = append(result, group...)
		}
	}
	return result
}

// FindBestMatching returns the single highest-priority active rule for the
// given selector, tie-breaking by isDefault then most-recently updated.
func (s *Store) FindBestMatching(provider string, apiType domain.APIType, ruleListType domain.RuleListType) *domain.MappingRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group := s.byGroup[groupKey(provider, apiType, ruleListType)]
	var candidates []*domain.MappingRule
	for _, r := range group {
		if r.IsActive() {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].IsDefault != candidates[j].IsDefault {
			return candidates[i].IsDefault
		}
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
	return candidates[0]
}
