package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/paperrecord/internal/platform/db"
)

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `id, primary_identifier, given_name, family_name, birth_date, birth_date_estimated,
	gender, address_line1, city, country, voided, merged_into, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.PrimaryIdentifier, &p.GivenName, &p.FamilyName, &p.BirthDate, &p.BirthDateEstimated,
		&p.Gender, &p.AddressLine1, &p.City, &p.Country, &p.Voided, &p.MergedInto, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patient (id, primary_identifier, given_name, family_name, birth_date, birth_date_estimated,
			gender, address_line1, city, country)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		p.ID, p.PrimaryIdentifier, p.GivenName, p.FamilyName, p.BirthDate, p.BirthDateEstimated,
		p.Gender, p.AddressLine1, p.City, p.Country,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

func (r *patientRepoPG) ListByPrimaryIdentifier(ctx context.Context, identifier string) ([]*Patient, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+patientCols+` FROM patient WHERE primary_identifier = $1 AND NOT voided`, identifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *patientRepoPG) MarkMerged(ctx context.Context, notPreferred, preferred uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE patient SET voided = TRUE, merged_into = $2, updated_at = NOW()
		WHERE id = $1`, notPreferred, preferred)
	return err
}
