package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindAllocatable Kind = "allocatable"
	KindReservation Kind = "reservation"
	KindAppointment Kind = "appointment"
	KindUser        Kind = "user"
	KindPreferences Kind = "preferences"
	KindConflict    Kind = "conflict"
)

func (k Kind) Valid() bool {
	switch k {
	case KindAllocatable, KindReservation, KindAppointment, KindUser, KindPreferences, KindConflict:
		return true
	}
	return false
}

// ID is an opaque entity identifier. The text before the first underscore
// names the entity kind.
type ID string

func NewID(kind Kind) (ID, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return ID(string(kind) + "_" + u.String()), nil
}

func (id ID) Kind() Kind {
	s := string(id)
	if i := strings.IndexByte(s, '_'); i > 0 {
		return Kind(s[:i])
	}
	return ""
}

func (id ID) String() string { return string(id) }

type HasID interface {
	EntityID() ID
}

type Versioned interface {
	EntityVersion() int64
}

// Resolvable is implemented by entities that point at other entities.
type Resolvable interface {
	References() []ID
}

type Entity interface {
	HasID
	Versioned
	EntityKind() Kind
	Clone() Entity
}

type Meta struct {
	ID          ID        `json:"id"`
	Version     int64     `json:"version"`
	LastChanged time.Time `json:"last_changed"`
}

func (m Meta) EntityID() ID             { return m.ID }
func (m Meta) EntityVersion() int64     { return m.Version }
func (m Meta) EntityChanged() time.Time { return m.LastChanged }

// Stamp records a commit of the entity.
func (m *Meta) Stamp(version int64, at time.Time) {
	m.Version = version
	m.LastChanged = at
}

// Stampable is implemented by pointers to entities embedding Meta.
type Stampable interface {
	Stamp(version int64, at time.Time)
	EntityChanged() time.Time
}

// Storable reports whether entities of kind k may be retained by a cache.
// Conflicts are computed on demand and never stored.
func Storable(k Kind) bool {
	return k != KindConflict
}

func IDs[E HasID](entities []E) []ID {
	out := make([]ID, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.EntityID())
	}
	return out
}

func IDSet(ids []ID) map[ID]struct{} {
	set := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
