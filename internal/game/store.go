package game

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrRoundNotFound = errors.New("round not found")

// Store archives closed rounds.
type Store interface {
	SaveRound(ctx context.Context, rec RoundRecord) error
	GetRound(ctx context.Context, roundID uint64) (RoundRecord, error)
	// ListRounds returns up to limit records, newest first.
	ListRounds(ctx context.Context, limit int) ([]RoundRecord, error)
	LastRoundID(ctx context.Context) (uint64, error)
	CountSettled(ctx context.Context) (uint64, error)
}

// MemoryStore keeps the archive in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	rounds map[uint64]RoundRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rounds: make(map[uint64]RoundRecord)}
}

func (s *MemoryStore) SaveRound(_ context.Context, rec RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[rec.Round.ID] = rec
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, roundID uint64) (RoundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rounds[roundID]
	if !ok {
		return RoundRecord{}, ErrRoundNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListRounds(_ context.Context, limit int) ([]RoundRecord, error) {
	s.mu.RLock()
	out := make([]RoundRecord, 0, len(s.rounds))
	for _, rec := range s.rounds {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Round.ID > out[j].Round.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LastRoundID(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last uint64
	for id := range s.rounds {
		if id > last {
			last = id
		}
	}
	return last, nil
}

func (s *MemoryStore) CountSettled(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n uint64
	for _, rec := range s.rounds {
		if rec.Outcome == OutcomeSettled {
			n++
		}
	}
	return n, nil
}
