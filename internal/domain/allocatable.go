package domain

type Allocatable struct {
	Meta
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`

	// Unresolved marks a placeholder standing in for an allocatable that
	// is referenced but not known locally.
	Unresolved bool `json:"-"`
}

func (a *Allocatable) EntityKind() Kind { return KindAllocatable }

func (a *Allocatable) Clone() Entity {
	c := *a
	return &c
}

func Placeholder(id ID) *Allocatable {
	return &Allocatable{
		Meta:       Meta{ID: id},
		Name:       "unresolved " + string(id),
		Unresolved: true,
	}
}
