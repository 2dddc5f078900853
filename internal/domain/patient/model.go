package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table. Only the demographics printed on record
// labels are kept here.
type Patient struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	PrimaryIdentifier  string     `db:"primary_identifier" json:"primary_identifier"`
	GivenName          string     `db:"given_name" json:"given_name"`
	FamilyName         string     `db:"family_name" json:"family_name"`
	BirthDate          *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	BirthDateEstimated bool       `db:"birth_date_estimated" json:"birth_date_estimated"`
	Gender             *string    `db:"gender" json:"gender,omitempty"`
	AddressLine1       *string    `db:"address_line1" json:"address_line1,omitempty"`
	City               *string    `db:"city" json:"city,omitempty"`
	Country            *string    `db:"country" json:"country,omitempty"`
	Voided             bool       `db:"voided" json:"voided"`
	MergedInto         *uuid.UUID `db:"merged_into" json:"merged_into,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// DisplayName renders "Family, Given" as printed on labels.
func (p *Patient) DisplayName() string {
	return p.FamilyName + ", " + p.GivenName
}

// AddressLines returns the non-empty address parts, one per printed line.
func (p *Patient) AddressLines() []string {
	var lines []string
	for _, part := range []*string{p.AddressLine1, p.City, p.Country} {
		if part != nil && *part != "" {
			lines = append(lines, *part)
		}
	}
	return lines
}
