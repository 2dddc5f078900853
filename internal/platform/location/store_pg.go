package location

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/paperrecord/internal/platform/db"
)

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

const locationSelect = `
	SELECT l.id, l.name, l.parent_id, l.retired,
		COALESCE(array_agg(t.tag ORDER BY t.tag) FILTER (WHERE t.tag IS NOT NULL), '{}')
	FROM location l
	LEFT JOIN location_tag t ON t.location_id = l.id`

func scanLocation(row pgx.Row) (*Location, error) {
	var l Location
	if err := row.Scan(&l.ID, &l.Name, &l.ParentID, &l.Retired, &l.Tags); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *storePG) Get(ctx context.Context, id uuid.UUID) (*Location, error) {
	l, err := scanLocation(db.Conn(ctx, s.pool).QueryRow(ctx,
		locationSelect+` WHERE l.id = $1 GROUP BY l.id`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get location %s: %w", id, err)
	}
	return l, nil
}

func (s *storePG) Children(ctx context.Context, id uuid.UUID) ([]*Location, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx,
		locationSelect+` WHERE l.parent_id = $1 GROUP BY l.id ORDER BY l.name`, id)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", id, err)
	}
	defer rows.Close()

	var out []*Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
