package operator

import (
	"context"
	"sync"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
	"schedula/replica/internal/update"
)

// EditSession holds private working copies of entities. Committing
// dispatches them; the cache only changes through the server's reply.
type EditSession struct {
	op *Operator

	mu      sync.Mutex
	working map[domain.ID]domain.Entity
	order   []domain.ID
	removed map[domain.ID]domain.Entity
	gone    []domain.ID
	closed  bool
}

func (o *Operator) NewEditSession() *EditSession {
	return &EditSession{
		op:      o,
		working: make(map[domain.ID]domain.Entity),
		removed: make(map[domain.ID]domain.Entity),
	}
}

// Edit returns the working copy of a cached entity, cloning it on first use.
func (s *EditSession) Edit(id domain.ID) (domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("edit"); err != nil {
		return nil, err
	}
	if e, ok := s.working[id]; ok {
		return e, nil
	}
	unlock := s.op.cache.ReadLock()
	e, ok := s.op.cache.Get(id)
	unlock()
	if !ok {
		return nil, store.EntityNotFound("edit", id)
	}
	return s.track(e.Clone()), nil
}

// EditEntity returns a working copy of e, typically obtained from a query.
func (s *EditSession) EditEntity(e domain.Entity) (domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("edit"); err != nil {
		return nil, err
	}
	if w, ok := s.working[e.EntityID()]; ok {
		return w, nil
	}
	return s.track(e.Clone()), nil
}

// Create adds a new entity. Its ID should come from CreateIdentifier.
func (s *EditSession) Create(e domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("create"); err != nil {
		return err
	}
	if e.EntityID() == "" {
		return store.InvalidState("create", "entity has no id")
	}
	s.track(e)
	return nil
}

func (s *EditSession) Remove(e domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("remove"); err != nil {
		return err
	}
	id := e.EntityID()
	if _, ok := s.working[id]; ok {
		delete(s.working, id)
		s.order = deleteID(s.order, id)
	}
	if _, ok := s.removed[id]; !ok {
		s.gone = append(s.gone, id)
	}
	s.removed[id] = e
	return nil
}

// Event assembles the pending changes.
func (s *EditSession) Event() *update.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventLocked()
}

func (s *EditSession) eventLocked() *update.Event {
	evt := &update.Event{}
	for _, id := range s.order {
		evt.PutStore(s.working[id])
	}
	for _, id := range s.gone {
		evt.PutRemove(s.removed[id])
	}
	return evt
}

// Commit dispatches the pending changes. On success the session is closed
// and its working copies are dropped; on failure they are kept for a retry.
func (s *EditSession) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("commit"); err != nil {
		return err
	}
	if err := s.op.Dispatch(ctx, s.eventLocked()); err != nil {
		return err
	}
	s.discardLocked()
	return nil
}

func (s *EditSession) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardLocked()
}

func (s *EditSession) discardLocked() {
	s.closed = true
	clear(s.working)
	clear(s.removed)
	s.order = nil
	s.gone = nil
}

func (s *EditSession) checkOpen(op string) error {
	if s.closed {
		return store.InvalidState(op, "edit session closed")
	}
	return nil
}

func (s *EditSession) track(e domain.Entity) domain.Entity {
	id := e.EntityID()
	if _, ok := s.working[id]; !ok {
		s.order = append(s.order, id)
	}
	s.working[id] = e
	return e
}

func deleteID(ids []domain.ID, id domain.ID) []domain.ID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
