package operator

import (
	"context"
	"testing"
	"time"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
	"schedula/replica/internal/update"
)

func TestEditSession_CacheFollowsServerClosure(t *testing.T) {
	ch := newFakeChannel(baseResources)
	var sent *update.Event
	ch.dispatch = func(_ context.Context, evt *update.Event) (*update.Event, error) {
		sent = evt
		stored := evt.Store[0].Clone().(*domain.Allocatable)
		stored.Version = 2
		stored.Name = "Room 1 (server)"
		return event(t0.Add(time.Minute), stored), nil
	}
	op, rec := connected(t, ch, Options{})

	sess := op.NewEditSession()
	e, err := sess.Edit(room1.ID)
	if err != nil {
		t.Fatalf("Edit error: %v", err)
	}
	working := e.(*domain.Allocatable)
	working.Name = "Room 1 (local)"
	again, _ := sess.Edit(room1.ID)
	if again != e {
		t.Fatalf("Edit returned a second working copy")
	}
	if cached, _ := op.Resolve(room1.ID); cached.(*domain.Allocatable).Name != "Room 1" {
		t.Fatalf("working copy leaked into cache")
	}

	if err := sess.Commit(context.Background()); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if sent == nil || sent.Store[0].(*domain.Allocatable).Name != "Room 1 (local)" {
		t.Fatalf("dispatched event = %+v", sent)
	}
	cached, _ := op.Resolve(room1.ID)
	if got := cached.(*domain.Allocatable); got.Name != "Room 1 (server)" || got.Version != 2 {
		t.Fatalf("cached = %+v, want server closure", got)
	}
	if updates := rec.updates(); len(updates) != 1 || len(updates[0].Updated) != 1 {
		t.Fatalf("updates = %+v", updates)
	}

	if _, err := sess.Edit(room1.ID); !store.IsInvalidState(err) {
		t.Fatalf("Edit after commit = %v, want invalid state", err)
	}
}

func TestEditSession_FailedCommitKeepsWorkingCopies(t *testing.T) {
	ch := newFakeChannel(baseResources)
	ch.dispatch = func(context.Context, *update.Event) (*update.Event, error) {
		return nil, store.Rejected("dispatch", "stale version")
	}
	op, _ := connected(t, ch, Options{})

	sess := op.NewEditSession()
	r := &domain.Reservation{Meta: domain.Meta{ID: "reservation_new"}, Name: "Workshop"}
	a := &domain.Appointment{Meta: domain.Meta{ID: "appointment_new"}, Start: t0, End: t0.Add(time.Hour)}
	r.AddAppointment(a)
	r.Allocate(room2.ID)
	if err := sess.Create(r); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := sess.Create(a); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := sess.Remove(room1); err != nil {
		t.Fatalf("Remove error: %v", err)
	}

	if err := sess.Commit(context.Background()); !store.IsRejected(err) {
		t.Fatalf("Commit error = %v, want rejected", err)
	}
	evt := sess.Event()
	if len(evt.Store) != 2 || len(evt.Remove) != 1 {
		t.Fatalf("pending event = %d stored, %d removed", len(evt.Store), len(evt.Remove))
	}

	sess.Discard()
	if err := sess.Create(r); !store.IsInvalidState(err) {
		t.Fatalf("Create after Discard = %v, want invalid state", err)
	}
}

func TestEditSession_EditUnknown(t *testing.T) {
	op, _ := connected(t, newFakeChannel(baseResources), Options{})
	sess := op.NewEditSession()
	if _, err := sess.Edit("reservation_missing"); !store.IsEntityNotFound(err) {
		t.Fatalf("Edit(missing) = %v, want entity not found", err)
	}
	if err := sess.Create(&domain.User{}); !store.IsInvalidState(err) {
		t.Fatalf("Create without id = %v, want invalid state", err)
	}
}
