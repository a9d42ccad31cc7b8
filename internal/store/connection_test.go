package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConnectionInfo_ReauthenticateSharesLogin(t *testing.T) {
	info := NewConnectionInfo("localhost:0")
	var calls atomic.Int32
	release := make(chan struct{})
	info.SetReauthenticate(func(ctx context.Context) (LoginTokens, error) {
		calls.Add(1)
		<-release
		return LoginTokens{AccessToken: "fresh"}, nil
	})

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = info.Reauthenticate(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("login calls = %d, want 1", n)
	}
	for i := range tokens {
		if errs[i] != nil || tokens[i] != "fresh" {
			t.Fatalf("caller %d: token=%q err=%v", i, tokens[i], errs[i])
		}
	}
	if info.AccessToken() != "fresh" {
		t.Fatalf("AccessToken() = %q, want fresh", info.AccessToken())
	}
}

func TestConnectionInfo_ReauthenticateWithoutSession(t *testing.T) {
	info := NewConnectionInfo("localhost:0")
	info.SetTokens(LoginTokens{AccessToken: "old"})
	info.Clear()
	_, err := info.Reauthenticate(context.Background())
	if !IsSecurity(err) {
		t.Fatalf("Reauthenticate error = %v, want security error", err)
	}
	if info.AccessToken() != "" {
		t.Fatalf("Clear kept token %q", info.AccessToken())
	}
}

func TestFuture_Await(t *testing.T) {
	f := Go(context.Background(), func(context.Context) (int, error) { return 42, nil })
	if v, err := f.Await(context.Background()); err != nil || v != 42 {
		t.Fatalf("Await = %d, %v", v, err)
	}

	block := make(chan struct{})
	defer close(block)
	slow := Go(context.Background(), func(context.Context) (int, error) { <-block; return 0, nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := slow.Await(ctx); !IsConnectivity(err) {
		t.Fatalf("Await on cancelled ctx = %v, want connectivity error", err)
	}

	boom := errors.New("boom")
	if _, err := Failed[int](Remote("refresh", boom)).Await(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Failed future error = %v", err)
	}
}

func TestErrorCodes(t *testing.T) {
	err := EntityNotFound("refresh", "reservation_r1")
	wrapped := errors.Join(errors.New("context"), err)
	if !IsEntityNotFound(wrapped) || IsSecurity(wrapped) {
		t.Fatalf("code checks failed for %v", wrapped)
	}
	if got := err.Error(); got != "refresh: ENTITY_NOT_FOUND: entity not found (id=reservation_r1)" {
		t.Fatalf("Error() = %q", got)
	}
	if got := Connectivity("login", errors.New("dial tcp: refused")).Error(); got != "login: CONNECTIVITY: dial tcp: refused" {
		t.Fatalf("Error() = %q", got)
	}
}
