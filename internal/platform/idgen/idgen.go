// Package idgen issues paper record identifiers from per-location sequences
// stored in the identifier_source table.
package idgen

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/paperrecord/internal/platform/db"
)

var ErrNoSource = errors.New("no identifier source configured")

// Source describes one identifier sequence.
type Source struct {
	IdentifierType string
	LocationID     uuid.UUID
	Prefix         string
	MinLength      int
}

// Format renders value with the source's prefix, left padding the number with
// zeros to MinLength digits.
func (s Source) Format(value int64) string {
	digits := strconv.FormatInt(value, 10)
	if pad := s.MinLength - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	return s.Prefix + digits
}

type PGGenerator struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPGGenerator(pool *pgxpool.Pool, logger zerolog.Logger) *PGGenerator {
	return &PGGenerator{
		pool:   pool,
		logger: logger.With().Str("component", "idgen").Logger(),
	}
}

// Generate takes the next value of the (identifierType, locationID) sequence.
// The counter row is locked by the UPDATE, so concurrent callers never receive
// the same value. When ctx carries a transaction the increment is rolled back
// with it.
func (g *PGGenerator) Generate(ctx context.Context, identifierType string, locationID uuid.UUID, reason string) (string, error) {
	var (
		src   = Source{IdentifierType: identifierType, LocationID: locationID}
		value int64
	)
	err := db.Conn(ctx, g.pool).QueryRow(ctx, `
		UPDATE identifier_source
		SET next_value = next_value + 1, updated_at = NOW()
		WHERE identifier_type = $1 AND location_id = $2
		RETURNING prefix, min_length, next_value - 1`,
		identifierType, locationID,
	).Scan(&src.Prefix, &src.MinLength, &value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: type %q at location %s", ErrNoSource, identifierType, locationID)
	}
	if err != nil {
		return "", fmt.Errorf("advance identifier source: %w", err)
	}

	id := src.Format(value)
	g.logger.Debug().
		Str("identifier_type", identifierType).
		Str("location_id", locationID.String()).
		Str("identifier", id).
		Str("reason", reason).
		Msg("identifier generated")
	return id, nil
}

// EnsureSource registers a sequence if none exists yet. Existing sequences are
// left untouched.
func (g *PGGenerator) EnsureSource(ctx context.Context, src Source, firstValue int64) error {
	_, err := db.Conn(ctx, g.pool).Exec(ctx, `
		INSERT INTO identifier_source (identifier_type, location_id, prefix, min_length, next_value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identifier_type, location_id) DO NOTHING`,
		src.IdentifierType, src.LocationID, src.Prefix, src.MinLength, firstValue)
	if err != nil {
		return fmt.Errorf("ensure identifier source: %w", err)
	}
	return nil
}
