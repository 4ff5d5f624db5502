package skills

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu           sync.RWMutex
	skills       map[string]*Skill
	integrations map[string]*CustomIntegration
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store, optionally seeded
// with built-in skills.
func NewMemoryStore(builtins ...Skill) *MemoryStore {
	s := &MemoryStore{
		skills:       make(map[string]*Skill),
		integrations: make(map[string]*CustomIntegration),
	}
	for i := range builtins {
		skill := builtins[i]
		if skill.UpdatedAt.IsZero() {
			skill.UpdatedAt = time.Now().UTC()
		}
		s.skills[skill.Name] = &skill
	}
	return s
}

func (s *MemoryStore) ListSkills(ctx context.Context, names []string) ([]*Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Skill
	if len(names) == 0 {
		for _, skill := range s.skills {
			copied := *skill
			out = append(out, &copied)
		}
	} else {
		for _, name := range names {
			if skill, ok := s.skills[name]; ok {
				copied := *skill
				out = append(out, &copied)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) UpsertSkill(ctx context.Context, skill *Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *skill
	if copied.UpdatedAt.IsZero() {
		copied.UpdatedAt = time.Now().UTC()
	}
	s.skills[copied.Name] = &copied
	return nil
}

func (s *MemoryStore) ListCustomIntegrations(ctx context.Context, names []string) ([]*CustomIntegration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*CustomIntegration
	if len(names) == 0 {
		for _, ci := range s.integrations {
			copied := *ci
			out = append(out, &copied)
		}
	} else {
		for _, name := range names {
			if ci, ok := s.integrations[name]; ok {
				copied := *ci
				out = append(out, &copied)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) UpsertCustomIntegration(ctx context.Context, ci *CustomIntegration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *ci
	now := time.Now().UTC()
	if copied.UpdatedAt.IsZero() {
		copied.UpdatedAt = now
	}
	if copied.CredentialsUpdatedAt.IsZero() {
		copied.CredentialsUpdatedAt = now
	}
	s.integrations[copied.Name] = &copied
	return nil
}
