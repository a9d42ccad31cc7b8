// Package operator keeps a local entity cache synchronized with the
// authoritative store.
//
// Writers (connect, refresh, dispatch) are serialized by a writer mutex
// that may be held across network round trips. The cache lock is taken
// only for the mutation step, so readers are never blocked by the network.
// Listeners are notified after the writer mutex is released.
package operator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"schedula/replica/internal/cache"
	"schedula/replica/internal/domain"
	"schedula/replica/internal/service/scheduler"
	"schedula/replica/internal/store"
	"schedula/replica/internal/update"
)

const DefaultRefreshInterval = 30 * time.Second

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

type Credentials struct {
	Username  string
	Password  string
	ConnectAs string
}

type Listener interface {
	StorageUpdated(result *update.Result)
	StorageDisconnected(message string)
	UpdateError(err error)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Updated      func(*update.Result)
	Disconnected func(string)
	Error        func(error)
}

func (l ListenerFuncs) StorageUpdated(r *update.Result) {
	if l.Updated != nil {
		l.Updated(r)
	}
}

func (l ListenerFuncs) StorageDisconnected(msg string) {
	if l.Disconnected != nil {
		l.Disconnected(msg)
	}
}

func (l ListenerFuncs) UpdateError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

type Options struct {
	// CacheReservations keeps reservations and appointments in the cache.
	// When false they are fetched on demand and only passed to listeners.
	CacheReservations bool
	// RefreshInterval applies when the user's preferences do not set one.
	RefreshInterval time.Duration
	// RequestTimeout bounds each periodic refresh.
	RequestTimeout   time.Duration
	DisableScheduler bool
	Logger           *slog.Logger
	Now              func() time.Time
}

// errSessionEnded marks results belonging to a session that was torn down
// while the request was in flight. They are dropped silently.
var errSessionEnded = store.StaleState("session ended")

type Operator struct {
	channel store.RemoteChannel
	conn    *store.ConnectionInfo
	cache   *cache.Cache
	log     *slog.Logger
	now     func() time.Time
	opts    Options

	writer sync.Mutex

	mu              sync.Mutex
	state           State
	generation      uint64
	credentials     *Credentials
	userID          domain.ID
	hasSynced       bool
	lastSynced      time.Time
	lastSyncedLocal time.Time
	highWater       time.Time
	tzOffset        time.Duration
	refreshInterval time.Duration
	scheduler       *scheduler.Scheduler

	listenersMu  sync.RWMutex
	listeners    map[int]Listener
	nextListener int
}

func New(channel store.RemoteChannel, conn *store.ConnectionInfo, opts Options) *Operator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	return &Operator{
		channel:   channel,
		conn:      conn,
		cache:     cache.New(),
		log:       opts.Logger.With(slog.String("component", "sync_operator")),
		now:       opts.Now,
		opts:      opts,
		listeners: make(map[int]Listener),
	}
}

func (o *Operator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Operator) IsConnected() bool { return o.State() == Connected }

func (o *Operator) CachesReservations() bool { return o.opts.CacheReservations }

func (o *Operator) Channel() store.RemoteChannel { return o.channel }

// AddListener registers l and returns a function removing it again.
func (o *Operator) AddListener(l Listener) (remove func()) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	id := o.nextListener
	o.nextListener++
	o.listeners[id] = l
	return func() {
		o.listenersMu.Lock()
		defer o.listenersMu.Unlock()
		delete(o.listeners, id)
	}
}

func (o *Operator) snapshotListeners() []Listener {
	o.listenersMu.RLock()
	defer o.listenersMu.RUnlock()
	out := make([]Listener, 0, len(o.listeners))
	for _, l := range o.listeners {
		out = append(out, l)
	}
	return out
}

func (o *Operator) fireDisconnected(msg string) {
	for _, l := range o.snapshotListeners() {
		l.StorageDisconnected(msg)
	}
}

func (o *Operator) fireUpdateError(err error) {
	for _, l := range o.snapshotListeners() {
		l.UpdateError(err)
	}
}

// batch collects update results produced while the writer mutex is held.
type batch struct {
	results []*update.Result
}

func (b *batch) add(r *update.Result) {
	b.results = append(b.results, r)
}

func (o *Operator) deliver(b *batch) {
	for _, r := range b.results {
		for _, l := range o.snapshotListeners() {
			l.StorageUpdated(r)
		}
	}
}

// write runs fn holding the writer mutex and delivers its results after
// the mutex is released.
func (o *Operator) write(op string, fn func(gen uint64, b *batch) error) error {
	var b batch
	err := func() error {
		o.writer.Lock()
		defer o.writer.Unlock()
		gen, ok := o.activeGeneration()
		if !ok {
			return store.StaleState(op)
		}
		return o.settle(fn(gen, &b))
	}()
	o.deliver(&b)
	return err
}

func (o *Operator) settle(err error) error {
	if errors.Is(err, errSessionEnded) {
		o.log.Debug("discarding result of ended session")
		return nil
	}
	return err
}

func (o *Operator) activeGeneration() (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation, o.state == Connected
}

// sessionActive reports whether gen is still the current session.
func (o *Operator) sessionActive(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation == gen && o.state != Disconnected
}

func (o *Operator) checkConnected(op string) error {
	if !o.IsConnected() {
		return store.StaleState(op)
	}
	return nil
}

func (o *Operator) Connect(ctx context.Context, creds *Credentials) error {
	if creds == nil {
		return store.InvalidState("connect", "credentials required")
	}

	o.writer.Lock()
	defer o.writer.Unlock()

	o.mu.Lock()
	if o.state != Disconnected {
		st := o.state
		o.mu.Unlock()
		return store.InvalidState("connect", "already "+st.String())
	}
	o.state = Connecting
	o.generation++
	gen := o.generation
	c := *creds
	o.credentials = &c
	o.hasSynced = false
	o.highWater = time.Time{}
	o.refreshInterval = o.opts.RefreshInterval
	o.mu.Unlock()

	log := o.log.With(slog.String("server", o.conn.Server()), slog.String("username", creds.Username))
	log.Info("connecting")

	tokens, err := o.login(ctx)
	if err != nil {
		log.Warn("login failed", slog.Any("error", err))
		return err
	}
	o.conn.SetTokens(tokens)

	if err := o.loadData(ctx, gen); err != nil {
		if errors.Is(err, errSessionEnded) {
			return store.StaleState("connect")
		}
		log.Error("initial load failed", slog.Any("error", err))
		_ = o.Disconnect(ctx, "initial load failed")
		return err
	}

	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return store.StaleState("connect")
	}
	o.state = Connected
	interval := o.refreshInterval
	o.mu.Unlock()

	o.conn.SetReauthenticate(o.login)
	o.startScheduler(gen, interval)
	log.Info("connected", slog.Duration("refresh_interval", interval))
	return nil
}

// login authenticates with the stored credentials. It doubles as the
// re-authentication callback; any failure tears the session down.
func (o *Operator) login(ctx context.Context) (store.LoginTokens, error) {
	o.mu.Lock()
	creds := o.credentials
	o.mu.Unlock()
	if creds == nil {
		return store.LoginTokens{}, store.Security("login", "no credentials")
	}

	tokens, err := o.channel.Login(ctx, creds.Username, creds.Password, creds.ConnectAs).Await(ctx)
	if err == nil && tokens.AccessToken == "" {
		err = store.Security("login", "server returned no access token")
	}
	if err != nil {
		_ = o.Disconnect(ctx, "login failed")
		if store.IsConnectivity(err) || store.IsSecurity(err) {
			return store.LoginTokens{}, err
		}
		return store.LoginTokens{}, &store.Error{Code: store.CodeSecurity, Op: "login", Message: "login rejected", Err: err}
	}
	return tokens, nil
}

func (o *Operator) startScheduler(gen uint64, interval time.Duration) {
	if o.opts.DisableScheduler || interval <= 0 {
		return
	}
	s := scheduler.New(o, interval,
		scheduler.WithLogger(o.log),
		scheduler.WithErrorHandler(o.fireUpdateError),
		scheduler.WithTimeout(o.opts.RequestTimeout),
	)
	o.mu.Lock()
	if o.generation != gen || o.state != Connected {
		o.mu.Unlock()
		return
	}
	o.scheduler = s
	o.mu.Unlock()
	s.Start()
}

// Disconnect ends the session. It is safe to call repeatedly.
func (o *Operator) Disconnect(ctx context.Context, reason string) error {
	o.mu.Lock()
	was := o.state
	o.state = Disconnected
	o.generation++
	o.credentials = nil
	o.userID = ""
	o.hasSynced = false
	o.highWater = time.Time{}
	sched := o.scheduler
	o.scheduler = nil
	o.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	o.conn.SetReauthenticate(nil)
	token := o.conn.AccessToken()

	unlock := o.cache.WriteLock()
	o.cache.ClearAll()
	unlock()

	var err error
	if token != "" {
		if _, lerr := o.channel.Logout(ctx).Await(ctx); lerr != nil {
			if store.IsConnectivity(lerr) || store.IsSecurity(lerr) {
				o.log.Warn("logout failed", slog.Any("error", lerr))
			} else {
				err = lerr
			}
		}
	}
	o.conn.Clear()

	if was != Disconnected {
		o.log.Info("disconnected", slog.String("reason", reason))
		o.fireDisconnected(reason)
	}
	return err
}

// CurrentTimestamp estimates the server time: the last synchronized server
// time advanced by the local time elapsed since. It never goes backwards
// within a session.
func (o *Operator) CurrentTimestamp() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentTimestampLocked()
}

func (o *Operator) currentTimestampLocked() time.Time {
	now := o.now()
	if !o.hasSynced {
		return now
	}
	elapsed := now.Sub(o.lastSyncedLocal)
	if elapsed < 0 {
		elapsed = 0
	}
	ts := o.lastSynced.Add(elapsed)
	if ts.Before(o.highWater) {
		return o.highWater
	}
	o.highWater = ts
	return ts
}

// Today returns midnight of the current server date in the server's zone.
func (o *Operator) Today() time.Time {
	o.mu.Lock()
	ts := o.currentTimestampLocked()
	offset := o.tzOffset
	o.mu.Unlock()
	loc := time.FixedZone("server", int(offset/time.Second))
	y, m, d := ts.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func (o *Operator) RefreshInterval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refreshInterval
}

func (o *Operator) clientVersion() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSynced.UTC().Format(time.RFC3339Nano)
}

// EnsureFresh refreshes synchronously when the last synchronization is
// older than twice the refresh interval, as happens after the device slept
// through scheduled ticks.
func (o *Operator) EnsureFresh(ctx context.Context, op string) error {
	if err := o.checkConnected(op); err != nil {
		return err
	}
	o.mu.Lock()
	interval := o.refreshInterval
	synced := o.hasSynced
	last := o.lastSynced
	age := o.currentTimestampLocked().Sub(last)
	o.mu.Unlock()
	if interval <= 0 || !synced || age <= 2*interval {
		return nil
	}
	o.log.Info("cache is stale, refreshing before query", slog.String("op", op), slog.Duration("age", age))
	return o.Refresh(ctx)
}
