// Package authority is the authoritative store the sync clients replicate.
// It keeps a versioned entity set, a change log keyed by commit time and
// the accounts allowed to connect.
package authority

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"schedula/replica/internal/auth"
	"schedula/replica/internal/cache"
	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
	"schedula/replica/internal/update"
)

const DefaultHistoryLimit = 10000

type Options struct {
	// HistoryLimit bounds the change log. Clients whose last sync predates
	// the oldest retained change must reload everything.
	HistoryLimit int
	Location     *time.Location
	Logger       *slog.Logger
	Now          func() time.Time
}

type change struct {
	at      time.Time
	entity  domain.Entity
	removed bool
}

type Authority struct {
	repo   Repository
	issuer *auth.Issuer
	log    *slog.Logger
	now    func() time.Time
	loc    *time.Location
	limit  int

	// entities and everything below are guarded by the entity cache's lock.
	entities     *cache.Cache
	history      []change
	historyFloor time.Time
	clock        time.Time
	started      time.Time
	credentials  map[string]string
}

func New(ctx context.Context, repo Repository, issuer *auth.Issuer, opts Options) (*Authority, error) {
	if issuer == nil {
		return nil, fmt.Errorf("authority: token issuer required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	a := &Authority{
		repo:        repo,
		issuer:      issuer,
		log:         opts.Logger.With(slog.String("component", "authority")),
		now:         opts.Now,
		loc:         opts.Location,
		limit:       opts.HistoryLimit,
		entities:    cache.New(),
		credentials: make(map[string]string),
	}
	if err := a.load(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// load (re)reads the persisted state and starts a new epoch: clients synced
// before it are told to reload their resources.
func (a *Authority) load(ctx context.Context) error {
	var entities []domain.Entity
	creds := map[string]string{}
	if a.repo != nil {
		var err error
		if entities, err = a.repo.LoadEntities(ctx); err != nil {
			return fmt.Errorf("load entities: %w", err)
		}
		if creds, err = a.repo.LoadCredentials(ctx); err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
	}

	unlock := a.entities.WriteLock()
	defer unlock()
	if a.repo != nil {
		a.entities.ClearAll()
		for _, e := range entities {
			a.entities.Put(e)
			if s, ok := e.(domain.Stampable); ok && s.EntityChanged().After(a.clock) {
				a.clock = s.EntityChanged()
			}
		}
		a.credentials = creds
	}
	a.history = nil
	a.started = a.tick()
	a.historyFloor = a.started
	a.log.Info("authority loaded",
		slog.Int("entities", a.entities.Len()),
		slog.Int("accounts", len(a.credentials)),
		slog.Time("epoch", a.started),
	)
	return nil
}

// tick advances the commit clock. Commit times are strictly increasing.
func (a *Authority) tick() time.Time {
	t := a.now().UTC().Truncate(time.Microsecond)
	if !t.After(a.clock) {
		t = a.clock.Add(time.Microsecond)
	}
	a.clock = t
	return t
}

func (a *Authority) offset() int64 {
	_, secs := a.clock.In(a.loc).Zone()
	return int64(secs) * 1000
}

// stamp fills in the server time and zone of evt. The lock must be held.
func (a *Authority) stamp(evt *update.Event) *update.Event {
	at := a.clock
	evt.LastValidated = &at
	evt.TimezoneOffset = a.offset()
	return evt
}

// record appends committed changes to the log, trimming it to the limit.
func (a *Authority) record(changes ...change) {
	a.history = append(a.history, changes...)
	if over := len(a.history) - a.limit; over > 0 {
		a.historyFloor = a.history[over-1].at
		a.history = slices.Delete(a.history, 0, over)
	}
}

// GetResources returns every stored entity.
func (a *Authority) GetResources(ctx context.Context) (*update.Event, error) {
	if _, err := caller(ctx, "get_resources"); err != nil {
		return nil, err
	}
	unlock := a.entities.ReadLock()
	defer unlock()
	evt := &update.Event{}
	for _, e := range a.entities.All() {
		evt.PutStore(e.Clone())
	}
	return a.stamp(evt), nil
}

// Refresh returns the changes committed after clientVersion, the server
// time of the client's last sync.
func (a *Authority) Refresh(ctx context.Context, clientVersion string) (*update.Event, error) {
	const op = "refresh"
	if _, err := caller(ctx, op); err != nil {
		return nil, err
	}
	unlock := a.entities.ReadLock()
	defer unlock()

	since, err := time.Parse(time.RFC3339Nano, clientVersion)
	if err != nil || since.Before(a.started) || since.After(a.clock) {
		return a.stamp(&update.Event{NeedsResourcesRefresh: true}), nil
	}
	if since.Before(a.historyFloor) {
		return nil, &store.Error{Code: store.CodeEntityNotFound, Op: op, Message: "change history truncated"}
	}
	return a.stamp(a.changesSince(since)), nil
}

// changesSince folds the log after since into one event. Reservations
// travel with their appointments and appointments with their reservation.
// The lock must be held.
func (a *Authority) changesSince(since time.Time) *update.Event {
	latest := make(map[domain.ID]change)
	for i := len(a.history) - 1; i >= 0 && a.history[i].at.After(since); i-- {
		c := a.history[i]
		if _, seen := latest[c.entity.EntityID()]; !seen {
			latest[c.entity.EntityID()] = c
		}
	}

	stored := make(map[domain.ID]domain.Entity)
	removed := make(map[domain.ID]domain.Entity)
	for id, c := range latest {
		if c.removed {
			removed[id] = c.entity
			continue
		}
		stored[id] = c.entity
	}
	for _, e := range slices.Collect(maps.Values(stored)) {
		for _, related := range a.related(e) {
			if _, gone := removed[related.EntityID()]; !gone {
				stored[related.EntityID()] = related
			}
		}
	}

	evt := &update.Event{}
	for _, id := range slices.Sorted(maps.Keys(stored)) {
		evt.PutStore(stored[id].Clone())
	}
	for _, id := range slices.Sorted(maps.Keys(removed)) {
		evt.PutRemove(removed[id].Clone())
	}
	return evt
}

// related returns the current entities that must accompany e.
func (a *Authority) related(e domain.Entity) []domain.Entity {
	var out []domain.Entity
	switch v := e.(type) {
	case *domain.Reservation:
		for _, id := range v.Appointments {
			if appt, ok := a.entities.Get(id); ok {
				out = append(out, appt)
			}
		}
	case *domain.Appointment:
		if r, ok := a.entities.Get(v.Reservation); ok {
			out = append(out, r)
			out = append(out, a.related(r)...)
		}
	}
	return out
}

// GetEntityRecursive returns the given entities and, transitively, all
// entities they reference.
func (a *Authority) GetEntityRecursive(ctx context.Context, ids []domain.ID) (*update.Event, error) {
	const op = "get_entity_recursive"
	if _, err := caller(ctx, op); err != nil {
		return nil, err
	}
	unlock := a.entities.ReadLock()
	defer unlock()

	seen := make(map[domain.ID]struct{})
	evt := &update.Event{}
	queue := slices.Clone(ids)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		e, ok := a.entities.Get(id)
		if !ok {
			return nil, store.EntityNotFound(op, id)
		}
		evt.PutStore(e.Clone())
		if r, ok := e.(domain.Resolvable); ok {
			queue = append(queue, r.References()...)
		}
	}
	return a.stamp(evt), nil
}

func (a *Authority) Now() time.Time {
	unlock := a.entities.ReadLock()
	defer unlock()
	return a.clock
}
