package domain

import (
	"maps"
	"strconv"
	"time"
)

type User struct {
	Meta
	Username  string `json:"username"`
	Title     string `json:"title,omitempty"`
	Firstname string `json:"firstname,omitempty"`
	Surname   string `json:"surname,omitempty"`
	Email     string `json:"email,omitempty"`
	Admin     bool   `json:"admin,omitempty"`
}

func (u *User) EntityKind() Kind { return KindUser }

func (u *User) Clone() Entity {
	c := *u
	return &c
}

func (u *User) DisplayName() string {
	name := u.Firstname
	if u.Surname != "" {
		if name != "" {
			name += " "
		}
		name += u.Surname
	}
	if name == "" {
		return u.Username
	}
	return name
}

// PreferenceRefreshInterval holds the client refresh cadence in milliseconds.
const PreferenceRefreshInterval = "sync.refresh_interval"

type Preferences struct {
	Meta
	Owner   ID                `json:"owner"`
	Entries map[string]string `json:"entries,omitempty"`
}

func (p *Preferences) EntityKind() Kind { return KindPreferences }

func (p *Preferences) Clone() Entity {
	c := *p
	c.Entries = maps.Clone(p.Entries)
	return &c
}

func (p *Preferences) References() []ID {
	if p.Owner == "" {
		return nil
	}
	return []ID{p.Owner}
}

// RefreshInterval returns the configured interval, or fallback when the
// entry is missing or not a positive number.
func (p *Preferences) RefreshInterval(fallback time.Duration) time.Duration {
	if p == nil {
		return fallback
	}
	raw, ok := p.Entries[PreferenceRefreshInterval]
	if !ok {
		return fallback
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
