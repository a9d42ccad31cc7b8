package store

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type ReauthFunc func(ctx context.Context) (LoginTokens, error)

// ConnectionInfo is the session state shared between the operator and the
// transport: the server address, the current access token and the callback
// that obtains a fresh token.
type ConnectionInfo struct {
	server string

	mu         sync.RWMutex
	token      string
	validUntil time.Time
	reauth     ReauthFunc

	group singleflight.Group
}

func NewConnectionInfo(server string) *ConnectionInfo {
	return &ConnectionInfo{server: server}
}

func (c *ConnectionInfo) Server() string { return c.server }

func (c *ConnectionInfo) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *ConnectionInfo) ValidUntil() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validUntil
}

func (c *ConnectionInfo) SetTokens(t LoginTokens) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = t.AccessToken
	c.validUntil = t.ValidUntil
}

func (c *ConnectionInfo) SetReauthenticate(fn ReauthFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reauth = fn
}

func (c *ConnectionInfo) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.validUntil = time.Time{}
	c.reauth = nil
}

// Reauthenticate obtains a fresh access token. Concurrent callers share a
// single login round trip.
func (c *ConnectionInfo) Reauthenticate(ctx context.Context) (string, error) {
	c.mu.RLock()
	fn := c.reauth
	c.mu.RUnlock()
	if fn == nil {
		return "", Security("reauthenticate", "no active session")
	}

	ch := c.group.DoChan("reauth", func() (any, error) {
		tokens, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		c.SetTokens(tokens)
		return tokens.AccessToken, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", Connectivity("reauthenticate", ctx.Err())
	}
}
