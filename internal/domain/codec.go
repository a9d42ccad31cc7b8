package domain

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func newEntity(kind Kind) (Entity, error) {
	switch kind {
	case KindAllocatable:
		return &Allocatable{}, nil
	case KindReservation:
		return &Reservation{}, nil
	case KindAppointment:
		return &Appointment{}, nil
	case KindUser:
		return &User{}, nil
	case KindPreferences:
		return &Preferences{}, nil
	case KindConflict:
		return &Conflict{}, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

func MarshalEntity(e Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: e.EntityKind(), Data: data})
}

func UnmarshalEntity(raw []byte) (Entity, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return DecodeEntity(env.Kind, env.Data)
}

// DecodeEntity decodes the payload of an entity of the given kind.
func DecodeEntity(kind Kind, data []byte) (Entity, error) {
	e, err := newEntity(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	if e.EntityID().Kind() != kind {
		return nil, fmt.Errorf("entity id %q does not match kind %s", e.EntityID(), kind)
	}
	return e, nil
}

// EntityList is a heterogeneous entity slice with a tagged JSON encoding.
type EntityList []Entity

func (l EntityList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, e := range l {
		raw, err := MarshalEntity(e)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func (l *EntityList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	list := make(EntityList, 0, len(raws))
	for _, raw := range raws {
		e, err := UnmarshalEntity(raw)
		if err != nil {
			return err
		}
		list = append(list, e)
	}
	*l = list
	return nil
}
