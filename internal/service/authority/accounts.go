package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"schedula/replica/internal/auth"
	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
)

func caller(ctx context.Context, op string) (*auth.Claims, error) {
	c, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		return nil, store.Security(op, "not authenticated")
	}
	return c, nil
}

// Authenticate validates an access token and returns its claims.
func (a *Authority) Authenticate(token string) (*auth.Claims, error) {
	const op = "authenticate"
	claims, err := a.issuer.Validate(token)
	if err != nil {
		return nil, &store.Error{Code: store.CodeSecurity, Op: op, Message: err.Error(), Err: err}
	}
	unlock := a.entities.ReadLock()
	defer unlock()
	if _, ok := a.entities.UserByName(claims.Username); !ok {
		return nil, store.Security(op, "unknown user")
	}
	return claims, nil
}

// Login checks the password of username and issues an access token. An
// administrator may name connectAs to open a session as another user.
func (a *Authority) Login(ctx context.Context, username, password, connectAs string) (store.LoginTokens, error) {
	const op = "login"
	unlock := a.entities.ReadLock()
	hash, hasCredential := a.credentials[username]
	user, hasUser := a.entities.UserByName(username)
	var target *domain.User
	if connectAs != "" {
		target, _ = a.entities.UserByName(connectAs)
	}
	unlock()

	log := a.log.With(slog.String("username", username))
	if !hasCredential || !hasUser {
		log.Warn("login for unknown account")
		return store.LoginTokens{}, store.Security(op, "invalid credentials")
	}
	if err := auth.CheckPassword(hash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			log.Warn("login with wrong password")
			return store.LoginTokens{}, store.Security(op, "invalid credentials")
		}
		return store.LoginTokens{}, store.Remote(op, err)
	}

	claims := auth.Claims{UserID: string(user.ID), Username: user.Username, Admin: user.Admin}
	if connectAs != "" && connectAs != username {
		if !user.Admin {
			return store.LoginTokens{}, store.Security(op, "only administrators may connect as another user")
		}
		if target == nil {
			return store.LoginTokens{}, store.Security(op, "unknown user "+connectAs)
		}
		claims = auth.Claims{UserID: string(target.ID), Username: target.Username, Admin: target.Admin, ConnectedBy: username}
	}

	token, expires, err := a.issuer.Issue(claims)
	if err != nil {
		return store.LoginTokens{}, store.Remote(op, err)
	}
	log.Info("login", slog.String("session_user", claims.Username))
	return store.LoginTokens{AccessToken: token, ValidUntil: expires}, nil
}

func (a *Authority) Logout(ctx context.Context) error {
	claims, err := caller(ctx, "logout")
	if err != nil {
		return err
	}
	a.log.Info("logout", slog.String("username", claims.Username))
	return nil
}

// CanChangePassword reports whether the session may change its own
// password. Sessions opened on someone's behalf may not.
func (a *Authority) CanChangePassword(ctx context.Context) (bool, error) {
	claims, err := caller(ctx, "can_change_password")
	if err != nil {
		return false, err
	}
	unlock := a.entities.ReadLock()
	defer unlock()
	_, ok := a.credentials[claims.Username]
	return ok && claims.ConnectedBy == "", nil
}

func unknownUser(op, username string) error {
	return &store.Error{Code: store.CodeEntityNotFound, Op: op, Message: "unknown user " + username}
}

// self checks that the session acts for username, or is an administrator.
func self(op string, claims *auth.Claims, username string) error {
	if claims.Username == username && claims.ConnectedBy == "" {
		return nil
	}
	if claims.Admin {
		return nil
	}
	return store.Security(op, "permission denied")
}

func (a *Authority) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	const op = "change_password"
	claims, err := caller(ctx, op)
	if err != nil {
		return err
	}
	if err := self(op, claims, username); err != nil {
		return err
	}
	if strings.TrimSpace(newPassword) == "" {
		return store.Rejected(op, "new password is empty")
	}
	unlock := a.entities.WriteLock()
	defer unlock()

	hash, ok := a.credentials[username]
	if !ok {
		return unknownUser(op, username)
	}
	// administrators resetting someone else's password skip the check
	if claims.Username == username {
		if err := auth.CheckPassword(hash, oldPassword); err != nil {
			return store.Security(op, "password mismatch")
		}
	}
	newHash, err := auth.HashPassword(newPassword)
	if err != nil {
		return store.Remote(op, err)
	}
	if a.repo != nil {
		if err := a.repo.SaveCredential(ctx, username, newHash); err != nil {
			return store.Remote(op, fmt.Errorf("save credential: %w", err))
		}
	}
	a.credentials[username] = newHash
	a.log.Info("password changed", slog.String("username", username), slog.String("by", claims.Username))
	return nil
}

func (a *Authority) ChangeEmail(ctx context.Context, username, email string) error {
	const op = "change_email"
	email = strings.TrimSpace(email)
	if !strings.Contains(email, "@") {
		return store.Rejected(op, "invalid email address")
	}
	return a.updateUser(ctx, op, username, func(u *domain.User) { u.Email = email })
}

// ConfirmEmail succeeds when email is the address on record for username.
func (a *Authority) ConfirmEmail(ctx context.Context, username, email string) error {
	const op = "confirm_email"
	claims, err := caller(ctx, op)
	if err != nil {
		return err
	}
	if err := self(op, claims, username); err != nil {
		return err
	}
	unlock := a.entities.ReadLock()
	defer unlock()
	u, ok := a.entities.UserByName(username)
	if !ok {
		return unknownUser(op, username)
	}
	if !strings.EqualFold(u.Email, strings.TrimSpace(email)) {
		return store.Rejected(op, "email does not match")
	}
	return nil
}

func (a *Authority) ChangeName(ctx context.Context, username string, name store.NameChange) error {
	return a.updateUser(ctx, "change_name", username, func(u *domain.User) {
		u.Title = name.Title
		u.Firstname = name.Firstname
		u.Surname = name.Surname
	})
}

// updateUser commits fn's change to the user as a new version, so clients
// pick it up on their next refresh.
func (a *Authority) updateUser(ctx context.Context, op, username string, fn func(*domain.User)) error {
	claims, err := caller(ctx, op)
	if err != nil {
		return err
	}
	if err := self(op, claims, username); err != nil {
		return err
	}
	unlock := a.entities.WriteLock()
	defer unlock()
	u, ok := a.entities.UserByName(username)
	if !ok {
		return unknownUser(op, username)
	}
	changed := u.Clone().(*domain.User)
	fn(changed)
	s := &staged{
		base:    a.entities.Get,
		stored:  map[domain.ID]domain.Entity{changed.ID: changed},
		removed: map[domain.ID]domain.Entity{},
	}
	_, err = a.commitLocked(ctx, s)
	return err
}

// RestartServer reloads the persisted state and starts a new epoch.
func (a *Authority) RestartServer(ctx context.Context) error {
	const op = "restart_server"
	claims, err := caller(ctx, op)
	if err != nil {
		return err
	}
	if !claims.Admin || claims.ConnectedBy != "" {
		return store.Security(op, "only administrators may restart the server")
	}
	a.log.Warn("restart requested", slog.String("username", claims.Username))
	return a.load(ctx)
}

// EnsureAccount creates user with password unless an account of that name
// exists. It is used to bootstrap administrators and seed data.
func (a *Authority) EnsureAccount(ctx context.Context, user *domain.User, password string) (created bool, err error) {
	const op = "ensure_account"
	if user.Username == "" || password == "" {
		return false, store.InvalidState(op, "username and password required")
	}
	unlock := a.entities.WriteLock()
	defer unlock()
	if _, ok := a.credentials[user.Username]; ok {
		return false, nil
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return false, err
	}
	s := &staged{base: a.entities.Get, stored: map[domain.ID]domain.Entity{}, removed: map[domain.ID]domain.Entity{}}
	if _, exists := a.entities.UserByName(user.Username); !exists {
		u := user.Clone().(*domain.User)
		if u.ID == "" {
			if u.ID, err = domain.NewID(domain.KindUser); err != nil {
				return false, err
			}
		}
		u.Version = 0
		s.stored[u.ID] = u
	}
	if len(s.stored) > 0 {
		if _, err := a.commitLocked(ctx, s); err != nil {
			return false, err
		}
	}
	if a.repo != nil {
		if err := a.repo.SaveCredential(ctx, user.Username, hash); err != nil {
			return false, fmt.Errorf("save credential: %w", err)
		}
	}
	a.credentials[user.Username] = hash
	a.log.Info("account created", slog.String("username", user.Username), slog.Bool("admin", user.Admin))
	return true, nil
}
