package paperrecord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/paperrecord/internal/platform/db"
)

const uniqueViolation = "23505"

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, s.pool)
}

func notFound(err error, what string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return err
}

// -- Records --

const recordCols = `id, patient_id, identifier, record_location_id, status, voided,
	creator_id, created_at, status_changed_at`

func scanRecord(row pgx.Row) (*PaperRecord, error) {
	var r PaperRecord
	err := row.Scan(&r.ID, &r.PatientID, &r.Identifier, &r.RecordLocationID, &r.Status, &r.Voided,
		&r.CreatorID, &r.CreatedAt, &r.StatusChangedAt)
	return &r, err
}

func collectRecords(rows pgx.Rows, err error) ([]*PaperRecord, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*PaperRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *storePG) CreateRecord(ctx context.Context, r *PaperRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	tag, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO paper_record (id, patient_id, identifier, record_location_id, status, voided,
			creator_id, created_at, status_changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (patient_id, record_location_id) WHERE NOT voided DO NOTHING`,
		r.ID, r.PatientID, r.Identifier, r.RecordLocationID, r.Status, r.Voided,
		r.CreatorID, r.CreatedAt, r.StatusChangedAt)
	if err != nil {
		return fmt.Errorf("insert paper record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errActiveRecordExists
	}
	return nil
}

func (s *storePG) GetRecord(ctx context.Context, id uuid.UUID) (*PaperRecord, error) {
	r, err := scanRecord(s.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM paper_record WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "paper record", id)
	}
	return r, nil
}

func (s *storePG) FindRecords(ctx context.Context, patientID uuid.UUID, locationID *uuid.UUID) ([]*PaperRecord, error) {
	return collectRecords(s.conn(ctx).Query(ctx, `
		SELECT `+recordCols+` FROM paper_record
		WHERE patient_id = $1 AND NOT voided AND ($2::uuid IS NULL OR record_location_id = $2)
		ORDER BY created_at`, patientID, locationID))
}

func (s *storePG) FindRecordsByIdentifier(ctx context.Context, identifier string, locationID *uuid.UUID) ([]*PaperRecord, error) {
	return collectRecords(s.conn(ctx).Query(ctx, `
		SELECT `+recordCols+` FROM paper_record
		WHERE identifier = $1 AND NOT voided AND ($2::uuid IS NULL OR record_location_id = $2)
		ORDER BY created_at`, identifier, locationID))
}

func (s *storePG) IdentifierInUse(ctx context.Context, identifier string, locationID uuid.UUID) (bool, error) {
	var exists bool
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM paper_record WHERE identifier = $1 AND record_location_id = $2)`,
		identifier, locationID).Scan(&exists)
	return exists, err
}

func (s *storePG) UpdateRecord(ctx context.Context, r *PaperRecord) error {
	_, err := s.conn(ctx).Exec(ctx, `
		UPDATE paper_record SET patient_id=$2, identifier=$3, status=$4, voided=$5, status_changed_at=$6
		WHERE id = $1`,
		r.ID, r.PatientID, r.Identifier, r.Status, r.Voided, r.StatusChangedAt)
	return err
}

// -- Requests --

const requestSelect = `
	SELECT q.id, q.patient_id, q.record_id, q.record_location_id, q.request_location_id,
		q.identifier, q.assignee_id, q.status, q.creator_id, q.created_at, q.status_changed_at,
		r.status
	FROM paper_record_request q
	JOIN paper_record r ON r.id = q.record_id`

func scanRequest(row pgx.Row) (*Request, error) {
	var q Request
	err := row.Scan(&q.ID, &q.PatientID, &q.RecordID, &q.RecordLocationID, &q.RequestLocationID,
		&q.Identifier, &q.AssigneeID, &q.Status, &q.CreatorID, &q.CreatedAt, &q.StatusChangedAt,
		&q.RecordStatus)
	return &q, err
}

func (s *storePG) CreateRequest(ctx context.Context, q *Request) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO paper_record_request (id, patient_id, record_id, record_location_id, request_location_id,
			identifier, assignee_id, status, creator_id, created_at, status_changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		q.ID, q.PatientID, q.RecordID, q.RecordLocationID, q.RequestLocationID,
		q.Identifier, q.AssigneeID, q.Status, q.CreatorID, q.CreatedAt, q.StatusChangedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errPendingRequestExists
	}
	if err != nil {
		return fmt.Errorf("insert paper record request: %w", err)
	}
	return nil
}

func (s *storePG) GetRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	q, err := scanRequest(s.conn(ctx).QueryRow(ctx, requestSelect+` WHERE q.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "paper record request", id)
	}
	return q, nil
}

func (s *storePG) LockRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	q, err := scanRequest(s.conn(ctx).QueryRow(ctx, requestSelect+` WHERE q.id = $1 FOR UPDATE OF q`, id))
	if err != nil {
		return nil, notFound(err, "paper record request", id)
	}
	return q, nil
}

func (s *storePG) FindRequests(ctx context.Context, f RequestFilter) ([]*Request, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("q.status = ANY($%d)", statuses)
	}
	if len(f.PatientIDs) > 0 {
		ids := make([]string, len(f.PatientIDs))
		for i, id := range f.PatientIDs {
			ids[i] = id.String()
		}
		add("q.patient_id = ANY($%d::uuid[])", ids)
	}
	if f.RecordID != nil {
		add("q.record_id = $%d", *f.RecordID)
	}
	if f.RecordLocationID != nil {
		add("q.record_location_id = $%d", *f.RecordLocationID)
	}
	if f.Identifier != "" {
		add("q.identifier = $%d", f.Identifier)
	}
	switch f.Kind {
	case KindCreate:
		add("r.status = $%d", string(RecordPendingCreation))
	case KindPull:
		add("r.status <> $%d", string(RecordPendingCreation))
	}

	query := requestSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY q.created_at, q.id"

	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Request
	for rows.Next() {
		q, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, q)
	}
	return items, rows.Err()
}

func (s *storePG) UpdateRequest(ctx context.Context, q *Request) error {
	_, err := s.conn(ctx).Exec(ctx, `
		UPDATE paper_record_request SET patient_id=$2, record_id=$3, record_location_id=$4,
			request_location_id=$5, identifier=$6, assignee_id=$7, status=$8, status_changed_at=$9
		WHERE id = $1`,
		q.ID, q.PatientID, q.RecordID, q.RecordLocationID, q.RequestLocationID,
		q.Identifier, q.AssigneeID, q.Status, q.StatusChangedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errPendingRequestExists
	}
	return err
}

// -- Merge requests --

const mergeCols = `id, preferred_record_id, not_preferred_record_id, preferred_identifier,
	not_preferred_identifier, status, creator_id, created_at`

func scanMerge(row pgx.Row) (*MergeRequest, error) {
	var m MergeRequest
	err := row.Scan(&m.ID, &m.PreferredRecordID, &m.NotPreferredRecordID, &m.PreferredIdentifier,
		&m.NotPreferredIdentifier, &m.Status, &m.CreatorID, &m.CreatedAt)
	return &m, err
}

func (s *storePG) CreateMergeRequest(ctx context.Context, m *MergeRequest) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO paper_record_merge_request (`+mergeCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.PreferredRecordID, m.NotPreferredRecordID, m.PreferredIdentifier,
		m.NotPreferredIdentifier, m.Status, m.CreatorID, m.CreatedAt)
	return err
}

func (s *storePG) GetMergeRequest(ctx context.Context, id uuid.UUID) (*MergeRequest, error) {
	m, err := scanMerge(s.conn(ctx).QueryRow(ctx,
		`SELECT `+mergeCols+` FROM paper_record_merge_request WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "merge request", id)
	}
	return m, nil
}

func (s *storePG) FindMergeRequests(ctx context.Context, statuses []MergeStatus) ([]*MergeRequest, error) {
	sts := make([]string, len(statuses))
	for i, st := range statuses {
		sts[i] = string(st)
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+mergeCols+` FROM paper_record_merge_request
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY created_at`, sts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*MergeRequest
	for rows.Next() {
		m, err := scanMerge(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *storePG) UpdateMergeRequest(ctx context.Context, m *MergeRequest) error {
	_, err := s.conn(ctx).Exec(ctx,
		`UPDATE paper_record_merge_request SET status = $2 WHERE id = $1`, m.ID, m.Status)
	return err
}
