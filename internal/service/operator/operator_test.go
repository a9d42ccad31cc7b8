package operator

import (
	"context"
	"errors"
	"testing"
	"time"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
	"schedula/replica/internal/update"
)

func baseResources() *update.Event {
	prefs := &domain.Preferences{
		Meta:    domain.Meta{ID: "preferences_alice", Version: 1},
		Owner:   alice.ID,
		Entries: map[string]string{domain.PreferenceRefreshInterval: "60000"},
	}
	return event(t0, alice, prefs, room1, room2)
}

func TestConnect_RejectedLogin(t *testing.T) {
	ch := newFakeChannel(baseResources)
	ch.login = func(context.Context, string, string, string) (store.LoginTokens, error) {
		return store.LoginTokens{}, store.Security("login", "invalid credentials")
	}
	op := newTestOperator(ch, nil, Options{})

	err := op.Connect(context.Background(), aliceCreds)
	if !store.IsSecurity(err) {
		t.Fatalf("Connect error = %v, want security error", err)
	}
	if op.State() != Disconnected {
		t.Fatalf("State() = %v, want disconnected", op.State())
	}
	if n := len(op.Entities()); n != 0 {
		t.Fatalf("cache holds %d entities after rejected login", n)
	}
}

func TestConnect_NonSecurityLoginFailureIsWrapped(t *testing.T) {
	ch := newFakeChannel(baseResources)
	ch.login = func(context.Context, string, string, string) (store.LoginTokens, error) {
		return store.LoginTokens{AccessToken: ""}, nil
	}
	op := newTestOperator(ch, nil, Options{})
	if err := op.Connect(context.Background(), aliceCreds); !store.IsSecurity(err) {
		t.Fatalf("Connect error = %v, want security error for empty token", err)
	}

	ch.login = func(context.Context, string, string, string) (store.LoginTokens, error) {
		return store.LoginTokens{}, store.Remote("login", errors.New("internal"))
	}
	if err := op.Connect(context.Background(), aliceCreds); !store.IsSecurity(err) {
		t.Fatalf("Connect error = %v, want security error", err)
	}
}

func TestConnect_InvalidState(t *testing.T) {
	op := newTestOperator(newFakeChannel(baseResources), nil, Options{})
	if err := op.Connect(context.Background(), nil); !store.IsInvalidState(err) {
		t.Fatalf("Connect(nil) error = %v, want invalid state", err)
	}
	if err := op.Connect(context.Background(), aliceCreds); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if err := op.Connect(context.Background(), aliceCreds); !store.IsInvalidState(err) {
		t.Fatalf("second Connect error = %v, want invalid state", err)
	}
}

func TestConnect_LoadsCacheAndPreferences(t *testing.T) {
	r1 := &domain.Reservation{Meta: domain.Meta{ID: "reservation_r1", Version: 1}, Name: "Lecture"}
	a1 := &domain.Appointment{Meta: domain.Meta{ID: "appointment_a1", Version: 1}, Start: t0, End: t0.Add(time.Hour)}
	r1.AddAppointment(a1)
	r1.Allocate(room1.ID)

	ch := newFakeChannel(func() *update.Event {
		evt := baseResources()
		evt.PutStore(r1, a1)
		return evt
	})
	op := newTestOperator(ch, nil, Options{})
	if err := op.Connect(context.Background(), aliceCreds); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if op.State() != Connected {
		t.Fatalf("State() = %v, want connected", op.State())
	}
	u, err := op.CurrentUser()
	if err != nil || u.ID != alice.ID {
		t.Fatalf("CurrentUser() = %v, %v", u, err)
	}
	if got := op.RefreshInterval(); got != time.Minute {
		t.Fatalf("RefreshInterval() = %v, want 1m", got)
	}
	if got := len(op.Allocatables()); got != 2 {
		t.Fatalf("len(Allocatables()) = %d, want 2", got)
	}
	if _, ok := op.Resolve(r1.ID); ok {
		t.Fatalf("reservation cached in on-demand mode")
	}
	if e, ok := op.Resolve("allocatable_gone"); !ok || !e.(*domain.Allocatable).Unresolved {
		t.Fatalf("Resolve(unknown allocatable) = %v, %v; want placeholder", e, ok)
	}
	if op.conn.AccessToken() != "token-1" {
		t.Fatalf("AccessToken() = %q", op.conn.AccessToken())
	}
}

func TestConnect_ProtocolErrorOnMissingLastValidated(t *testing.T) {
	ch := newFakeChannel(func() *update.Event { return &update.Event{} })
	op := newTestOperator(ch, nil, Options{})
	if err := op.Connect(context.Background(), aliceCreds); !store.IsProtocol(err) {
		t.Fatalf("Connect error = %v, want protocol error", err)
	}
	if op.State() != Disconnected {
		t.Fatalf("State() = %v, want disconnected", op.State())
	}
}

func TestDisconnect(t *testing.T) {
	ch := newFakeChannel(baseResources)
	logouts := 0
	ch.logout = func(context.Context) error {
		logouts++
		return store.Connectivity("logout", errors.New("unreachable"))
	}
	op := newTestOperator(ch, nil, Options{})
	rec := &recorder{}
	op.AddListener(rec)

	if err := op.Connect(context.Background(), aliceCreds); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if err := op.Disconnect(context.Background(), "bye"); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}
	if err := op.Disconnect(context.Background(), "again"); err != nil {
		t.Fatalf("second Disconnect error: %v", err)
	}

	if logouts != 1 {
		t.Fatalf("logouts = %d, want 1", logouts)
	}
	if len(rec.disconnected) != 1 || rec.disconnected[0] != "bye" {
		t.Fatalf("disconnect notifications = %v", rec.disconnected)
	}
	if len(op.Entities()) != 0 || op.conn.AccessToken() != "" {
		t.Fatalf("session state survived disconnect")
	}
	if err := op.Refresh(context.Background()); !store.IsStaleState(err) {
		t.Fatalf("Refresh after disconnect = %v, want stale state", err)
	}
	if err := op.Dispatch(context.Background(), &update.Event{}); !store.IsStaleState(err) {
		t.Fatalf("Dispatch after disconnect = %v, want stale state", err)
	}
}

func TestReauthenticateUsesStoredCredentials(t *testing.T) {
	ch := newFakeChannel(baseResources)
	logins := 0
	ch.login = func(_ context.Context, username, password, _ string) (store.LoginTokens, error) {
		logins++
		if username != "alice" || password != "secret" {
			t.Errorf("login with %q/%q", username, password)
		}
		return store.LoginTokens{AccessToken: "token-" + string(rune('0'+logins))}, nil
	}
	op := newTestOperator(ch, nil, Options{})
	if err := op.Connect(context.Background(), aliceCreds); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	token, err := op.conn.Reauthenticate(context.Background())
	if err != nil {
		t.Fatalf("Reauthenticate error: %v", err)
	}
	if token != "token-2" || op.conn.AccessToken() != "token-2" || logins != 2 {
		t.Fatalf("token = %q, stored = %q, logins = %d", token, op.conn.AccessToken(), logins)
	}

	_ = op.Disconnect(context.Background(), "done")
	if _, err := op.conn.Reauthenticate(context.Background()); !store.IsSecurity(err) {
		t.Fatalf("Reauthenticate after disconnect = %v, want security error", err)
	}
}

func TestCurrentTimestamp_Monotonic(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	current := baseResources
	ch := newFakeChannel(func() *update.Event { return current() })
	op := newTestOperator(ch, clock, Options{})

	if got := op.CurrentTimestamp(); !got.Equal(clock.Now()) {
		t.Fatalf("CurrentTimestamp before sync = %v, want local clock", got)
	}
	if err := op.Connect(context.Background(), aliceCreds); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if got := op.CurrentTimestamp(); !got.Equal(t0) {
		t.Fatalf("CurrentTimestamp after sync = %v, want %v", got, t0)
	}

	clock.Advance(10 * time.Second)
	first := op.CurrentTimestamp()
	if !first.Equal(t0.Add(10 * time.Second)) {
		t.Fatalf("CurrentTimestamp = %v, want %v", first, t0.Add(10*time.Second))
	}

	ch.refresh = func(context.Context, string) (*update.Event, error) {
		return event(t0.Add(5 * time.Second)), nil
	}
	if err := op.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if got := op.CurrentTimestamp(); got.Before(first) {
		t.Fatalf("CurrentTimestamp went backwards: %v < %v", got, first)
	}

	clock.Advance(-time.Hour)
	if got := op.CurrentTimestamp(); got.Before(first) {
		t.Fatalf("CurrentTimestamp followed local clock backwards: %v", got)
	}
	clock.Advance(time.Hour + 20*time.Second)
	if got, want := op.CurrentTimestamp(), t0.Add(25*time.Second); !got.Equal(want) {
		t.Fatalf("CurrentTimestamp = %v, want %v", got, want)
	}
}

func TestToday_UsesServerOffset(t *testing.T) {
	clock := &fakeClock{t: t0}
	ch := newFakeChannel(func() *update.Event {
		evt := baseResources()
		evt.LastValidated = at(time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC))
		evt.TimezoneOffset = int64(2 * time.Hour / time.Millisecond)
		return evt
	})
	op := newTestOperator(ch, clock, Options{})
	if err := op.Connect(context.Background(), aliceCreds); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	y, m, d := op.Today().Date()
	if y != 2024 || m != time.March || d != 2 {
		t.Fatalf("Today() = %v, want 2024-03-02", op.Today())
	}
}
