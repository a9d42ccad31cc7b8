// Package update models the change sets exchanged with the server and the
// results reported to listeners after a change set is applied.
package update

import (
	"time"

	"schedula/replica/internal/domain"
)

// Event is a change set. LastValidated is the server time the set is
// consistent with; TimezoneOffset is the server zone offset in
// milliseconds east of UTC.
type Event struct {
	Store                 domain.EntityList `json:"store,omitempty"`
	Remove                domain.EntityList `json:"remove,omitempty"`
	LastValidated         *time.Time        `json:"last_validated,omitempty"`
	TimezoneOffset        int64             `json:"timezone_offset"`
	NeedsResourcesRefresh bool              `json:"needs_resources_refresh,omitempty"`
}

func (e *Event) PutStore(entities ...domain.Entity) {
	e.Store = append(e.Store, entities...)
}

func (e *Event) PutRemove(entities ...domain.Entity) {
	e.Remove = append(e.Remove, entities...)
}

func (e *Event) IsEmpty() bool {
	return len(e.Store) == 0 && len(e.Remove) == 0
}

// Stamped returns a shallow copy carrying lastValidated.
func (e *Event) Stamped(lastValidated time.Time) *Event {
	c := *e
	c.LastValidated = &lastValidated
	return &c
}

func (e *Event) Offset() time.Duration {
	return time.Duration(e.TimezoneOffset) * time.Millisecond
}
