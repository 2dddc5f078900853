// Package location resolves the medical-record and archives locations that own
// paper record folders within the facility's location hierarchy.
package location

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("location not found")

type Location struct {
	ID       uuid.UUID  `json:"id"`
	Name     string     `json:"name"`
	ParentID *uuid.UUID `json:"parent_id,omitempty"`
	Tags     []string   `json:"tags,omitempty"`
	Retired  bool       `json:"retired"`
}

func (l *Location) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Store reads the location hierarchy. Get returns ErrNotFound for unknown ids.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*Location, error)
	Children(ctx context.Context, id uuid.UUID) ([]*Location, error)
}
