package enrollment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps enrollments and fires in process memory. One mutex covers
// both maps, which makes the enrolled-check plus create atomic.
type MemoryStore struct {
	mu          sync.Mutex
	enrollments map[string]Enrollment
	fires       map[string]*ScheduledFire
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		enrollments: make(map[string]Enrollment),
		fires:       make(map[string]*ScheduledFire),
	}
}

func enrollmentKey(contactID, sequenceID string) string {
	return contactID + ":" + sequenceID
}

func fireKey(contactID, sequenceID, stepID string) string {
	return contactID + ":" + sequenceID + ":" + stepID
}

func (s *MemoryStore) IsEnrolled(ctx context.Context, contactID, sequenceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.enrollments[enrollmentKey(contactID, sequenceID)]
	return ok, nil
}

func (s *MemoryStore) Enroll(ctx context.Context, e Enrollment, fires []ScheduledFire) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := enrollmentKey(e.ContactID, e.SequenceID)
	if _, ok := s.enrollments[key]; ok {
		return ErrAlreadyEnrolled
	}

	s.enrollments[key] = e
	for _, fire := range fires {
		f := fire
		s.fires[f.Key()] = &f
	}
	return nil
}

func (s *MemoryStore) MarkFired(ctx context.Context, contactID, sequenceID, stepID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fires[fireKey(contactID, sequenceID, stepID)]
	if !ok || f.Fired || f.Failed {
		return false, nil
	}
	f.Fired = true
	return true, nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, contactID, sequenceID, stepID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fires[fireKey(contactID, sequenceID, stepID)]
	if !ok || f.Fired {
		return nil
	}
	f.Failed = true
	f.LastError = reason
	return nil
}

func (s *MemoryStore) RecordAttempt(ctx context.Context, contactID, sequenceID, stepID string, nextAttemptAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fires[fireKey(contactID, sequenceID, stepID)]
	if !ok || f.Fired || f.Failed {
		return nil
	}
	f.Attempts++
	f.NextAttemptAt = nextAttemptAt
	f.LastError = lastError
	return nil
}

func (s *MemoryStore) DueFires(ctx context.Context, now time.Time, limit int) ([]ScheduledFire, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []ScheduledFire
	for _, f := range s.fires {
		if f.Fired || f.Failed {
			continue
		}
		if f.DueAt.After(now) {
			continue
		}
		if !f.NextAttemptAt.IsZero() && f.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, *f)
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].Key() < due[j].Key()
		}
		return due[i].DueAt.Before(due[j].DueAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) PendingCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, f := range s.fires {
		if !f.Fired && !f.Failed {
			count++
		}
	}
	return count, nil
}
