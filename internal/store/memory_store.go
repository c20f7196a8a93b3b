package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// record pairs a stored entity with the sequence number it was first
// inserted under, so ListCollection can break ties on its sort field by
// insertion order instead of by Go's randomized map iteration order.
type record struct {
	seq    uint64
	entity map[string]any
}

// InMemory implements Store without a MongoDB connection, for unit tests of
// the convstore/memory/scheduler packages. It mirrors Mongo's semantics
// closely enough for the core's test suite: upsert-by-id, simple equality
// filtering, and limit/sort on listCollection — including a stable,
// deterministic tiebreak for entities that sort equal on the requested
// field, which a plain map-then-sort would otherwise leave to whatever
// order Go's map iterator happened to produce that call.
type InMemory struct {
	mu      sync.Mutex
	data    map[string]map[any]record // collection -> id -> record
	nextSeq uint64
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{data: make(map[string]map[any]record)}
}

func (s *InMemory) UpsertEntity(ctx context.Context, collection string, id any, entity map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[collection]; !ok {
		s.data[collection] = make(map[any]record)
	}
	copyEntity := make(map[string]any, len(entity)+1)
	for k, v := range entity {
		copyEntity[k] = v
	}
	copyEntity["id"] = id

	seq := s.nextSeq
	if existing, ok := s.data[collection][id]; ok {
		seq = existing.seq // re-upserting a live id keeps its original insertion position
	} else {
		s.nextSeq++
	}
	s.data[collection][id] = record{seq: seq, entity: copyEntity}
	return nil
}

func (s *InMemory) DeleteEntity(ctx context.Context, collection string, id any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if coll, ok := s.data[collection]; ok {
		delete(coll, id)
	}
	return nil
}

func (s *InMemory) ListCollection(ctx context.Context, collection string, filter map[string]any, limit int, sort_ map[string]int) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []record
	for _, rec := range s.data[collection] {
		if matches(rec.entity, filter) {
			out = append(out, record{seq: rec.seq, entity: cloneEntity(rec.entity)})
		}
	}

	for field, dir := range sort_ {
		sort.SliceStable(out, func(i, j int) bool {
			if less := compare(out[i].entity[field], out[j].entity[field]); less != 0 {
				if dir < 0 {
					return less > 0
				}
				return less < 0
			}
			// Tie on the sort field: break by insertion order, in the same
			// direction as the primary sort, so descending-by-time (newest
			// first) breaks newest-inserted-first and ascending breaks
			// oldest-inserted-first — either way a stable, repeatable order
			// rather than one that depends on map iteration.
			if dir < 0 {
				return out[i].seq > out[j].seq
			}
			return out[i].seq < out[j].seq
		})
		break // only a single sort key is supported, matching the core's usage
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	entities := make([]map[string]any, len(out))
	for i, rec := range out {
		entities[i] = rec.entity
	}
	return entities, nil
}

func (s *InMemory) CreateIndex(ctx context.Context, spec IndexSpec) error {
	return nil // indexes are a storage-engine concern; the in-memory store has none to create
}

func (s *InMemory) SnapshotAll(ctx context.Context, names []string) (map[string][]map[string]any, error) {
	out := make(map[string][]map[string]any, len(names))
	for _, name := range names {
		docs, _ := s.ListCollection(ctx, name, nil, 0, nil)
		out[name] = docs
	}
	return out, nil
}

func (s *InMemory) RestoreAll(ctx context.Context, snapshot map[string][]map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, docs := range snapshot {
		coll := make(map[any]record, len(docs))
		for _, d := range docs {
			id, ok := d["id"]
			if !ok {
				return fmt.Errorf("restore %s: document missing id", name)
			}
			coll[id] = record{seq: s.nextSeq, entity: cloneEntity(d)}
			s.nextSeq++ // preserve the snapshot's own order as insertion order
		}
		s.data[name] = coll
	}
	return nil
}

func (s *InMemory) Close(ctx context.Context) error { return nil }

func matches(entity, filter map[string]any) bool {
	for k, v := range filter {
		if entity[k] != v {
			return false
		}
	}
	return true
}

func cloneEntity(entity map[string]any) map[string]any {
	out := make(map[string]any, len(entity))
	for k, v := range entity {
		out[k] = v
	}
	return out
}

func compare(a, b any) int {
	switch av := a.(type) {
	case int64:
		bv, _ := b.(int64)
		return int(av - bv)
	case int:
		bv, _ := b.(int)
		return av - bv
	case float64:
		bv, _ := b.(float64)
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
		return 0
	case string:
		bv, _ := b.(string)
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
		return 0
	default:
		return 0
	}
}
