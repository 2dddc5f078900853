package printer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/paperrecord/internal/platform/db"
)

type registryPG struct{ pool *pgxpool.Pool }

func NewRegistryPG(pool *pgxpool.Pool) Registry {
	return &registryPG{pool: pool}
}

func (r *registryPG) DefaultPrinter(ctx context.Context, printerType string, locationID uuid.UUID) (*Printer, error) {
	var p Printer
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, name, type, location_id, ip_address, port
		FROM printer
		WHERE type = $1 AND location_id = $2 AND NOT retired
		ORDER BY is_default DESC, name
		LIMIT 1`, printerType, locationID,
	).Scan(&p.ID, &p.Name, &p.Type, &p.LocationID, &p.IPAddress, &p.Port)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s printer at %s", ErrNoPrinter, printerType, locationID)
	}
	if err != nil {
		return nil, fmt.Errorf("find printer: %w", err)
	}
	return &p, nil
}
