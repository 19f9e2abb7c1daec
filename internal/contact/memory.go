package contact

import (
	"context"
	"sort"
	"sync"
	"time"

	"funnel/pkg/errors"
)

// MemoryStore keeps contacts in process memory. A single mutex serializes all
// mutations, which also gives the per-contact single-writer guarantee.
type MemoryStore struct {
	mu       sync.RWMutex
	contacts map[string]*Contact
	policy   Policy
}

func NewMemoryStore(policy Policy) *MemoryStore {
	return &MemoryStore{
		contacts: make(map[string]*Contact),
		policy:   policy,
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok {
		return nil, errors.ErrNotFound.WithDetail("contact_id", id)
	}
	return copyContact(c), nil
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, id string) (*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyContact(s.getOrCreateLocked(id)), nil
}

func (s *MemoryStore) getOrCreateLocked(id string) *Contact {
	if c, ok := s.contacts[id]; ok {
		return c
	}
	now := time.Now()
	c := &Contact{
		ID:        id,
		Score:     s.policy.Clamp(0),
		Tier:      s.policy.TierFor(0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.contacts[id] = c
	return c
}

func (s *MemoryStore) ApplyScoreDelta(ctx context.Context, id string, delta int) (*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getOrCreateLocked(id)
	c.Score = s.policy.Clamp(c.Score + delta)
	c.Tier = s.policy.TierFor(c.Score)
	c.UpdatedAt = time.Now()
	return copyContact(c), nil
}

func (s *MemoryStore) AddInterests(ctx context.Context, id string, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getOrCreateLocked(id)
	existing := make(map[string]bool, len(c.Interests))
	for _, tag := range c.Interests {
		existing[tag] = true
	}
	for _, tag := range tags {
		if tag == "" || existing[tag] {
			continue
		}
		c.Interests = append(c.Interests, tag)
		existing[tag] = true
	}
	sort.Strings(c.Interests)
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AddSequence(ctx context.Context, id, sequenceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getOrCreateLocked(id)
	for _, existing := range c.Sequences {
		if existing == sequenceID {
			return nil
		}
	}
	c.Sequences = append(c.Sequences, sequenceID)
	c.UpdatedAt = time.Now()
	return nil
}

func copyContact(c *Contact) *Contact {
	out := *c
	out.Interests = append([]string(nil), c.Interests...)
	out.Sequences = append([]string(nil), c.Sequences...)
	return &out
}
