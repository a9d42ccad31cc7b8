package operator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
	"schedula/replica/internal/update"
)

type fakeChannel struct {
	login              func(ctx context.Context, username, password, connectAs string) (store.LoginTokens, error)
	logout             func(ctx context.Context) error
	refresh            func(ctx context.Context, clientVersion string) (*update.Event, error)
	dispatch           func(ctx context.Context, evt *update.Event) (*update.Event, error)
	getResources       func(ctx context.Context) (*update.Event, error)
	getEntityRecursive func(ctx context.Context, ids []domain.ID) (*update.Event, error)
	getReservations    func(ctx context.Context, q store.ReservationQuery) (store.ReservationList, error)
	getConflicts       func(ctx context.Context) ([]*domain.Conflict, error)
	firstBindings      func(ctx context.Context, q store.BindingQuery) (map[domain.ID][]domain.ID, error)
	allBindings        func(ctx context.Context, q store.BindingQuery) (store.ReservationList, error)
	nextDate           func(ctx context.Context, q store.NextDateQuery) (*time.Time, error)
	templateNames      func(ctx context.Context) ([]string, error)
	createIdentifier   func(ctx context.Context, kind domain.Kind, count int) ([]domain.ID, error)
	canChangePassword  func(ctx context.Context) (bool, error)
	changePassword     func(ctx context.Context, username, oldPassword, newPassword string) error
	changeEmail        func(ctx context.Context, username, email string) error
	confirmEmail       func(ctx context.Context, username, email string) error
	changeName         func(ctx context.Context, username string, name store.NameChange) error
	restartServer      func(ctx context.Context) error
}

func none(err error) (struct{}, error) { return struct{}{}, err }

func (f *fakeChannel) Login(ctx context.Context, username, password, connectAs string) *store.Future[store.LoginTokens] {
	if f.login == nil {
		panic("Login not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (store.LoginTokens, error) { return f.login(ctx, username, password, connectAs) })
}

func (f *fakeChannel) Logout(ctx context.Context) *store.Future[struct{}] {
	if f.logout == nil {
		panic("Logout not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (struct{}, error) { return none(f.logout(ctx)) })
}

func (f *fakeChannel) Refresh(ctx context.Context, clientVersion string) *store.Future[*update.Event] {
	if f.refresh == nil {
		panic("Refresh not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (*update.Event, error) { return f.refresh(ctx, clientVersion) })
}

func (f *fakeChannel) Dispatch(ctx context.Context, evt *update.Event) *store.Future[*update.Event] {
	if f.dispatch == nil {
		panic("Dispatch not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (*update.Event, error) { return f.dispatch(ctx, evt) })
}

func (f *fakeChannel) GetResources(ctx context.Context) *store.Future[*update.Event] {
	if f.getResources == nil {
		panic("GetResources not configured")
	}
	return store.Go(ctx, f.getResources)
}

func (f *fakeChannel) GetEntityRecursive(ctx context.Context, ids []domain.ID) *store.Future[*update.Event] {
	if f.getEntityRecursive == nil {
		panic("GetEntityRecursive not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (*update.Event, error) { return f.getEntityRecursive(ctx, ids) })
}

func (f *fakeChannel) GetReservations(ctx context.Context, q store.ReservationQuery) *store.Future[store.ReservationList] {
	if f.getReservations == nil {
		panic("GetReservations not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (store.ReservationList, error) { return f.getReservations(ctx, q) })
}

func (f *fakeChannel) GetConflicts(ctx context.Context) *store.Future[[]*domain.Conflict] {
	if f.getConflicts == nil {
		panic("GetConflicts not configured")
	}
	return store.Go(ctx, f.getConflicts)
}

func (f *fakeChannel) GetTemplateNames(ctx context.Context) *store.Future[[]string] {
	if f.templateNames == nil {
		panic("GetTemplateNames not configured")
	}
	return store.Go(ctx, f.templateNames)
}

func (f *fakeChannel) GetFirstAllocatableBindings(ctx context.Context, q store.BindingQuery) *store.Future[map[domain.ID][]domain.ID] {
	if f.firstBindings == nil {
		panic("GetFirstAllocatableBindings not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (map[domain.ID][]domain.ID, error) { return f.firstBindings(ctx, q) })
}

func (f *fakeChannel) GetAllAllocatableBindings(ctx context.Context, q store.BindingQuery) *store.Future[store.ReservationList] {
	if f.allBindings == nil {
		panic("GetAllAllocatableBindings not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (store.ReservationList, error) { return f.allBindings(ctx, q) })
}

func (f *fakeChannel) GetNextAllocatableDate(ctx context.Context, q store.NextDateQuery) *store.Future[*time.Time] {
	if f.nextDate == nil {
		panic("GetNextAllocatableDate not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (*time.Time, error) { return f.nextDate(ctx, q) })
}

func (f *fakeChannel) CreateIdentifier(ctx context.Context, kind domain.Kind, count int) *store.Future[[]domain.ID] {
	if f.createIdentifier == nil {
		panic("CreateIdentifier not configured")
	}
	return store.Go(ctx, func(ctx context.Context) ([]domain.ID, error) { return f.createIdentifier(ctx, kind, count) })
}

func (f *fakeChannel) CanChangePassword(ctx context.Context) *store.Future[bool] {
	if f.canChangePassword == nil {
		panic("CanChangePassword not configured")
	}
	return store.Go(ctx, f.canChangePassword)
}

func (f *fakeChannel) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) *store.Future[struct{}] {
	if f.changePassword == nil {
		panic("ChangePassword not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (struct{}, error) {
		return none(f.changePassword(ctx, username, oldPassword, newPassword))
	})
}

func (f *fakeChannel) ChangeEmail(ctx context.Context, username, email string) *store.Future[struct{}] {
	if f.changeEmail == nil {
		panic("ChangeEmail not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (struct{}, error) { return none(f.changeEmail(ctx, username, email)) })
}

func (f *fakeChannel) ConfirmEmail(ctx context.Context, username, email string) *store.Future[struct{}] {
	if f.confirmEmail == nil {
		panic("ConfirmEmail not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (struct{}, error) { return none(f.confirmEmail(ctx, username, email)) })
}

func (f *fakeChannel) ChangeName(ctx context.Context, username string, name store.NameChange) *store.Future[struct{}] {
	if f.changeName == nil {
		panic("ChangeName not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (struct{}, error) { return none(f.changeName(ctx, username, name)) })
}

func (f *fakeChannel) RestartServer(ctx context.Context) *store.Future[struct{}] {
	if f.restartServer == nil {
		panic("RestartServer not configured")
	}
	return store.Go(ctx, func(ctx context.Context) (struct{}, error) { return none(f.restartServer(ctx)) })
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu           sync.Mutex
	results      []*update.Result
	disconnected []string
	errors       []error
}

func (r *recorder) StorageUpdated(res *update.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) StorageDisconnected(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, msg)
}

func (r *recorder) UpdateError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recorder) updates() []*update.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*update.Result(nil), r.results...)
}

var (
	t0    = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	alice = &domain.User{Meta: domain.Meta{ID: "user_alice", Version: 1}, Username: "alice", Firstname: "Alice"}
	room1 = &domain.Allocatable{Meta: domain.Meta{ID: "allocatable_room1", Version: 1}, Name: "Room 1"}
	room2 = &domain.Allocatable{Meta: domain.Meta{ID: "allocatable_room2", Version: 1}, Name: "Room 2"}
)

func at(t time.Time) *time.Time { return &t }

func event(lastValidated time.Time, stored ...domain.Entity) *update.Event {
	return &update.Event{Store: stored, LastValidated: at(lastValidated)}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFakeChannel accepts any login and serves resources from the given
// function.
func newFakeChannel(resources func() *update.Event) *fakeChannel {
	return &fakeChannel{
		login: func(context.Context, string, string, string) (store.LoginTokens, error) {
			return store.LoginTokens{AccessToken: "token-1", ValidUntil: t0.Add(time.Hour)}, nil
		},
		logout: func(context.Context) error { return nil },
		getResources: func(context.Context) (*update.Event, error) {
			return resources(), nil
		},
	}
}

func newTestOperator(ch *fakeChannel, clock *fakeClock, opts Options) *Operator {
	opts.DisableScheduler = true
	opts.Logger = quietLogger()
	if clock != nil {
		opts.Now = clock.Now
	}
	return New(ch, store.NewConnectionInfo("test:0"), opts)
}

var aliceCreds = &Credentials{Username: "alice", Password: "secret"}
