package operator

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
	"schedula/replica/internal/update"
)

// Refresh pulls the changes since the last synchronization and applies
// them. A server-side or local resolution miss falls back to RefreshAll.
func (o *Operator) Refresh(ctx context.Context) error {
	return o.write("refresh", func(gen uint64, b *batch) error {
		return o.refreshLocked(ctx, gen, b)
	})
}

// TryRefresh is Refresh without waiting: it reports ran=false when another
// write holds the writer mutex or no session is active.
func (o *Operator) TryRefresh(ctx context.Context) (bool, error) {
	var b batch
	ran, err := func() (bool, error) {
		if !o.writer.TryLock() {
			return false, nil
		}
		defer o.writer.Unlock()
		gen, ok := o.activeGeneration()
		if !ok {
			return false, nil
		}
		return true, o.settle(o.refreshLocked(ctx, gen, &b))
	}()
	o.deliver(&b)
	return ran, err
}

// RefreshAll reloads the complete data set and reports the difference to
// the previous cache contents.
func (o *Operator) RefreshAll(ctx context.Context) error {
	return o.write("refresh_all", func(gen uint64, b *batch) error {
		return o.refreshAllLocked(ctx, gen, b)
	})
}

// Dispatch sends local changes to the server and applies the server's
// closure. The cache is never updated from evt itself.
func (o *Operator) Dispatch(ctx context.Context, evt *update.Event) error {
	return o.write("dispatch", func(gen uint64, b *batch) error {
		for _, e := range evt.Store {
			o.log.Debug("dispatching store", slog.String("id", string(e.EntityID())), slog.Int64("version", e.EntityVersion()))
		}
		for _, e := range evt.Remove {
			o.log.Debug("dispatching remove", slog.String("id", string(e.EntityID())))
		}

		o.mu.Lock()
		last := o.lastSynced
		o.mu.Unlock()

		closure, err := o.channel.Dispatch(ctx, evt.Stamped(last)).Await(ctx)
		if err != nil {
			return err
		}
		err = o.applyLocked(ctx, "dispatch", gen, closure, b)
		if store.IsEntityNotFound(err) {
			o.log.Warn("dispatch closure unresolved, refreshing all", slog.Any("error", err))
			return o.refreshAllLocked(ctx, gen, b)
		}
		return err
	})
}

func (o *Operator) refreshLocked(ctx context.Context, gen uint64, b *batch) error {
	evt, err := o.channel.Refresh(ctx, o.clientVersion()).Await(ctx)
	if err == nil {
		err = o.applyLocked(ctx, "refresh", gen, evt, b)
	}
	if store.IsEntityNotFound(err) {
		o.log.Warn("refreshing all resources", slog.Any("reason", err))
		return o.refreshAllLocked(ctx, gen, b)
	}
	return err
}

func (o *Operator) refreshAllLocked(ctx context.Context, gen uint64, b *batch) error {
	unlock := o.cache.ReadLock()
	before := o.cache.Snapshot()
	unlock()

	if err := o.loadData(ctx, gen); err != nil {
		return err
	}

	unlock = o.cache.ReadLock()
	after := o.cache.Snapshot()
	unlock()
	if !o.sessionActive(gen) {
		return errSessionEnded
	}

	result := diffSnapshots(before, after)
	result.Invalidate = update.Unbounded()
	b.add(result)
	return nil
}

func diffSnapshots(before, after map[domain.ID]domain.Entity) *update.Result {
	ids := make([]domain.ID, 0, len(before)+len(after))
	for id := range before {
		ids = append(ids, id)
	}
	for id := range after {
		if _, ok := before[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	var r update.Result
	for _, id := range ids {
		old, hadOld := before[id]
		cur, hasNew := after[id]
		switch {
		case hadOld && hasNew:
			r.Updated = append(r.Updated, update.Change{Old: old, New: cur})
		case hadOld:
			r.Removed = append(r.Removed, old)
		default:
			r.Added = append(r.Added, cur)
		}
	}
	return &r
}

// loadData replaces the cache with the server's full data set.
func (o *Operator) loadData(ctx context.Context, gen uint64) error {
	evt, err := o.channel.GetResources(ctx).Await(ctx)
	if err != nil {
		return err
	}
	if err := o.recordSync("load", gen, evt); err != nil {
		return err
	}
	if err := resolveReferences("load", evt.Store, func(domain.ID) bool { return false }); err != nil {
		return err
	}

	unlock := o.cache.WriteLock()
	defer unlock()
	if !o.sessionActive(gen) {
		return errSessionEnded
	}
	o.cache.ClearAll()
	for _, e := range evt.Store {
		if o.retains(e) {
			o.cache.Put(e)
		}
	}
	o.bindUser()
	return nil
}

// bindUser locates the logged in user and its refresh preference. The
// cache write lock must be held.
func (o *Operator) bindUser() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.credentials == nil {
		return
	}
	username := o.credentials.Username
	if o.credentials.ConnectAs != "" {
		username = o.credentials.ConnectAs
	}
	u, ok := o.cache.UserByName(username)
	if !ok {
		o.log.Warn("logged in user not among loaded entities", slog.String("username", username))
		return
	}
	o.userID = u.ID
	for _, e := range o.cache.ByKind(domain.KindPreferences) {
		if p := e.(*domain.Preferences); p.Owner == u.ID {
			o.refreshInterval = p.RefreshInterval(o.opts.RefreshInterval)
		}
	}
}

// recordSync validates the event's server time and records it together with
// the local time of receipt.
func (o *Operator) recordSync(op string, gen uint64, evt *update.Event) error {
	if evt == nil || evt.LastValidated == nil {
		return store.Protocol(op, "update event without last validated time")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation != gen || o.state == Disconnected {
		return errSessionEnded
	}
	if o.hasSynced && evt.LastValidated.Before(o.lastSynced) {
		return store.Protocol(op, "last validated time moved backwards")
	}
	o.lastSynced = *evt.LastValidated
	o.lastSyncedLocal = o.now()
	o.tzOffset = evt.Offset()
	o.hasSynced = true
	return nil
}

func (o *Operator) retains(e domain.Entity) bool {
	switch kind := e.EntityKind(); kind {
	case domain.KindAppointment, domain.KindReservation:
		return o.opts.CacheReservations
	default:
		return domain.Storable(kind)
	}
}

// applyLocked runs the apply protocol for an incremental event.
func (o *Operator) applyLocked(ctx context.Context, op string, gen uint64, evt *update.Event, b *batch) error {
	if err := o.recordSync(op, gen, evt); err != nil {
		return err
	}
	if evt.NeedsResourcesRefresh {
		o.log.Info("server requested full refresh")
		return o.refreshAllLocked(ctx, gen, b)
	}
	if evt.IsEmpty() {
		return nil
	}

	result, err := o.mutate(op, gen, evt)
	if err != nil {
		return err
	}
	if !result.IsEmpty() {
		b.add(result)
	}
	return nil
}

func (o *Operator) mutate(op string, gen uint64, evt *update.Event) (*update.Result, error) {
	unlock := o.cache.WriteLock()
	defer unlock()
	if !o.sessionActive(gen) {
		return nil, errSessionEnded
	}
	err := resolveReferences(op, evt.Store, func(id domain.ID) bool {
		_, ok := o.cache.Get(id)
		return ok
	})
	if err != nil {
		return nil, err
	}

	result := update.Result{Lookup: eventLookup(evt, o.cache.Get)}
	for _, e := range evt.Remove {
		if !o.retains(e) {
			result.AddRemoved(e)
			continue
		}
		if old, ok := o.cache.Remove(e.EntityID()); ok {
			result.AddRemoved(old)
		}
	}
	for _, e := range evt.Store {
		if !o.retains(e) {
			result.AddAdded(e)
			continue
		}
		if old, ok := o.cache.Put(e); ok {
			result.AddUpdated(old, e)
		} else {
			result.AddAdded(e)
		}
	}
	o.bindUser()
	result.Lookup = nil
	return &result, nil
}

// eventLookup finds entities in the store-set of evt, then in cached, then
// in the remove-set.
func eventLookup(evt *update.Event, cached func(domain.ID) (domain.Entity, bool)) func(domain.ID) (domain.Entity, bool) {
	stored := make(map[domain.ID]domain.Entity, len(evt.Store))
	for _, e := range evt.Store {
		stored[e.EntityID()] = e
	}
	removed := make(map[domain.ID]domain.Entity, len(evt.Remove))
	for _, e := range evt.Remove {
		removed[e.EntityID()] = e
	}
	return func(id domain.ID) (domain.Entity, bool) {
		if e, ok := stored[id]; ok {
			return e, true
		}
		if e, ok := cached(id); ok {
			return e, true
		}
		e, ok := removed[id]
		return e, ok
	}
}

// resolveReferences checks every reference of the incoming entities against
// the incoming set itself and then against known. Allocatable references
// always resolve, to a placeholder if necessary.
func resolveReferences(op string, stored []domain.Entity, known func(domain.ID) bool) error {
	index := make(map[domain.ID]struct{}, len(stored))
	for _, e := range stored {
		index[e.EntityID()] = struct{}{}
	}
	for _, e := range stored {
		if e.EntityKind() == domain.KindConflict {
			continue
		}
		r, ok := e.(domain.Resolvable)
		if !ok {
			continue
		}
		for _, ref := range r.References() {
			if _, ok := index[ref]; ok {
				continue
			}
			if ref.Kind() == domain.KindAllocatable || known(ref) {
				continue
			}
			return store.EntityNotFound(op, ref)
		}
	}
	return nil
}

// LastSynced returns the server time of the last applied event.
func (o *Operator) LastSynced() (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSynced, o.hasSynced
}
