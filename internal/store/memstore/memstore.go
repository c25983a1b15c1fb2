// Package memstore is an in-memory store.Store implementation for unit
// and integration tests: a mutex-guarded map standing in for the real
// backend so tests never need a live Postgres instance.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/arke-institute/chunkocr/internal/chunkstate"
	"github.com/arke-institute/chunkocr/internal/store"
)

type chunkRecord struct {
	state    chunkstate.ChunkState
	pis      map[string]chunkstate.PI
	piOrder  []string
	refs     map[string]chunkstate.Ref // keyed by ref ID
	debugLog []chunkstate.DebugLogEntry
}

// Store is an in-memory, goroutine-safe store.Store.
type Store struct {
	mu     sync.RWMutex
	chunks map[chunkstate.Key]*chunkRecord
}

// New constructs an empty Store.
func New() *Store {
	return &Store{chunks: make(map[chunkstate.Key]*chunkRecord)}
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateChunk(_ context.Context, state chunkstate.ChunkState, pis []chunkstate.PI) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &chunkRecord{
		state: state,
		pis:   make(map[string]chunkstate.PI, len(pis)),
		refs:  make(map[string]chunkstate.Ref),
	}
	for _, pi := range pis {
		rec.pis[pi.PI] = pi
		rec.piOrder = append(rec.piOrder, pi.PI)
	}
	s.chunks[state.Key()] = rec
	return nil
}

func (s *Store) GetState(_ context.Context, key chunkstate.Key) (chunkstate.ChunkState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chunks[key]
	if !ok {
		return chunkstate.ChunkState{}, store.ErrNotFound
	}
	return rec.state, nil
}

func (s *Store) SaveState(_ context.Context, state chunkstate.ChunkState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chunks[state.Key()]
	if !ok {
		return store.ErrNotFound
	}
	rec.state = state
	return nil
}

func (s *Store) ListPIs(_ context.Context, key chunkstate.Key) ([]chunkstate.PI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chunks[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]chunkstate.PI, 0, len(rec.piOrder))
	for _, pi := range rec.piOrder {
		out = append(out, rec.pis[pi])
	}
	return out, nil
}

func (s *Store) SavePI(_ context.Context, pi chunkstate.PI) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := chunkstate.Key{BatchID: pi.BatchID, ChunkID: pi.ChunkID}
	rec, ok := s.chunks[key]
	if !ok {
		return store.ErrNotFound
	}
	if _, exists := rec.pis[pi.PI]; !exists {
		rec.piOrder = append(rec.piOrder, pi.PI)
	}
	rec.pis[pi.PI] = pi
	return nil
}

func (s *Store) InsertRefs(_ context.Context, refs []chunkstate.Ref) error {
	if len(refs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := chunkstate.Key{BatchID: refs[0].BatchID, ChunkID: refs[0].ChunkID}
	rec, ok := s.chunks[key]
	if !ok {
		return store.ErrNotFound
	}
	for _, ref := range refs {
		rec.refs[ref.ID] = ref
	}
	return nil
}

func (s *Store) SelectPendingRefs(_ context.Context, key chunkstate.Key, limit int) ([]chunkstate.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chunks[key]
	if !ok {
		return nil, store.ErrNotFound
	}

	ids := make([]string, 0, len(rec.refs))
	for id := range rec.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic selection order for reproducible tests

	selected := make([]chunkstate.Ref, 0, limit)
	for _, id := range ids {
		if len(selected) >= limit {
			break
		}
		ref := rec.refs[id]
		if ref.Status != chunkstate.RefPending {
			continue
		}
		ref.Status = chunkstate.RefProcessing
		rec.refs[id] = ref
		selected = append(selected, ref)
	}
	return selected, nil
}

func (s *Store) SaveRef(_ context.Context, ref chunkstate.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := chunkstate.Key{BatchID: ref.BatchID, ChunkID: ref.ChunkID}
	rec, ok := s.chunks[key]
	if !ok {
		return store.ErrNotFound
	}
	rec.refs[ref.ID] = ref
	return nil
}

func (s *Store) CountPendingRefs(_ context.Context, key chunkstate.Key) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chunks[key]
	if !ok {
		return 0, store.ErrNotFound
	}
	count := 0
	for _, ref := range rec.refs {
		if ref.Status == chunkstate.RefPending {
			count++
		}
	}
	return count, nil
}

func (s *Store) ReclaimOrphanedProcessingRefs(_ context.Context, key chunkstate.Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chunks[key]
	if !ok {
		return 0, store.ErrNotFound
	}
	reclaimed := 0
	for id, ref := range rec.refs {
		if ref.Status == chunkstate.RefProcessing {
			ref.Status = chunkstate.RefPending
			rec.refs[id] = ref
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *Store) CompletedRefsForPI(_ context.Context, key chunkstate.Key, pi string) ([]chunkstate.Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chunks[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	var out []chunkstate.Ref
	for _, ref := range rec.refs {
		if ref.PI != pi {
			continue
		}
		if (ref.Status == chunkstate.RefDone || ref.Status == chunkstate.RefSkipped) && ref.ResultCID != nil {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (s *Store) AllRefsForPI(_ context.Context, key chunkstate.Key, pi string) ([]chunkstate.Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chunks[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	var out []chunkstate.Ref
	for _, ref := range rec.refs {
		if ref.PI == pi {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (s *Store) AppendDebugLog(_ context.Context, entry chunkstate.DebugLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := chunkstate.Key{BatchID: entry.BatchID, ChunkID: entry.ChunkID}
	rec, ok := s.chunks[key]
	if !ok {
		return store.ErrNotFound
	}
	rec.debugLog = append(rec.debugLog, entry)
	if len(rec.debugLog) > chunkstate.MaxDebugLogEntries {
		rec.debugLog = rec.debugLog[len(rec.debugLog)-chunkstate.MaxDebugLogEntries:]
	}
	return nil
}

func (s *Store) TailDebugLog(_ context.Context, key chunkstate.Key, limit int) ([]chunkstate.DebugLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chunks[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if limit <= 0 || limit > len(rec.debugLog) {
		limit = len(rec.debugLog)
	}
	start := len(rec.debugLog) - limit
	out := make([]chunkstate.DebugLogEntry, limit)
	copy(out, rec.debugLog[start:])
	return out, nil
}

func (s *Store) Cleanup(_ context.Context, key chunkstate.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.chunks, key)
	return nil
}
