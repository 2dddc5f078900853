package paperrecord

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// errActiveRecordExists and errPendingRequestExists are reported by a Store when
// a uniqueness constraint rejects an insert.
var (
	errActiveRecordExists   = errors.New("active record already exists for patient and location")
	errPendingRequestExists = errors.New("pending request already exists for record")
)

// RequestFilter selects requests. Zero fields do not filter.
type RequestFilter struct {
	Statuses         []RequestStatus
	PatientIDs       []uuid.UUID
	RecordID         *uuid.UUID
	RecordLocationID *uuid.UUID
	Identifier       string
	Kind             Kind
}

// Store persists records, requests and merge requests. Lookups return
// ErrNotFound for unknown ids; finders return an empty slice when nothing
// matches. Implementations join the transaction carried by ctx.
type Store interface {
	CreateRecord(ctx context.Context, r *PaperRecord) error
	GetRecord(ctx context.Context, id uuid.UUID) (*PaperRecord, error)
	// FindRecords returns the non-voided records of a patient, optionally at one location.
	FindRecords(ctx context.Context, patientID uuid.UUID, locationID *uuid.UUID) ([]*PaperRecord, error)
	FindRecordsByIdentifier(ctx context.Context, identifier string, locationID *uuid.UUID) ([]*PaperRecord, error)
	// IdentifierInUse also counts voided records so identifiers are never reissued.
	IdentifierInUse(ctx context.Context, identifier string, locationID uuid.UUID) (bool, error)
	UpdateRecord(ctx context.Context, r *PaperRecord) error

	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id uuid.UUID) (*Request, error)
	// LockRequest loads a request and holds a row lock until the transaction ends.
	LockRequest(ctx context.Context, id uuid.UUID) (*Request, error)
	// FindRequests returns matches ordered by creation time, oldest first.
	FindRequests(ctx context.Context, f RequestFilter) ([]*Request, error)
	UpdateRequest(ctx context.Context, r *Request) error

	CreateMergeRequest(ctx context.Context, m *MergeRequest) error
	GetMergeRequest(ctx context.Context, id uuid.UUID) (*MergeRequest, error)
	FindMergeRequests(ctx context.Context, statuses []MergeStatus) ([]*MergeRequest, error)
	UpdateMergeRequest(ctx context.Context, m *MergeRequest) error
}
