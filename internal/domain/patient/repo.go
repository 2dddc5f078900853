package patient

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// ListByPrimaryIdentifier returns non-voided patients holding identifier.
	ListByPrimaryIdentifier(ctx context.Context, identifier string) ([]*Patient, error)
	// MarkMerged voids notPreferred and records the patient it was folded into.
	MarkMerged(ctx context.Context, notPreferred, preferred uuid.UUID) error
}
