package paperrecord

import (
	"time"

	"github.com/google/uuid"
)

type RecordStatus string

const (
	RecordPendingCreation RecordStatus = "PENDING_CREATION"
	RecordActive          RecordStatus = "ACTIVE"
)

type RequestStatus string

const (
	RequestOpen      RequestStatus = "OPEN"
	RequestAssigned  RequestStatus = "ASSIGNED"
	RequestSent      RequestStatus = "SENT"
	RequestReturned  RequestStatus = "RETURNED"
	RequestCancelled RequestStatus = "CANCELLED"
)

// PendingStatuses are the statuses of a request still waiting on the archives room.
var PendingStatuses = []RequestStatus{RequestOpen, RequestAssigned}

func (s RequestStatus) IsPending() bool {
	return s == RequestOpen || s == RequestAssigned
}

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestOpen, RequestAssigned, RequestSent, RequestReturned, RequestCancelled:
		return true
	}
	return false
}

type MergeStatus string

const (
	MergeOpen   MergeStatus = "OPEN"
	MergeMerged MergeStatus = "MERGED"
)

// Kind tells whether fulfilling a request means pulling an existing folder or
// creating a new one. It is derived from the record's status.
type Kind string

const (
	KindPull   Kind = "pull"
	KindCreate Kind = "create"
)

func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindPull, KindCreate:
		return Kind(s), true
	}
	return "", false
}

// PaperRecord is one physical folder for a patient at a medical record location.
// Identifier stays empty until the archives room assigns the first request.
type PaperRecord struct {
	ID               uuid.UUID    `db:"id" json:"id"`
	PatientID        uuid.UUID    `db:"patient_id" json:"patient_id"`
	Identifier       string       `db:"identifier" json:"identifier,omitempty"`
	RecordLocationID uuid.UUID    `db:"record_location_id" json:"record_location_id"`
	Status           RecordStatus `db:"status" json:"status"`
	Voided           bool         `db:"voided" json:"voided"`
	CreatorID        string       `db:"creator_id" json:"creator_id"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
	StatusChangedAt  time.Time    `db:"status_changed_at" json:"status_changed_at"`
}

func (r *PaperRecord) updateStatus(s RecordStatus, now time.Time) {
	r.Status = s
	r.StatusChangedAt = now
}

func (r *PaperRecord) Kind() Kind {
	if r.Status == RecordPendingCreation {
		return KindCreate
	}
	return KindPull
}

// Request asks for a record to be brought to RequestLocationID. Identifier
// mirrors the record's identifier at the time the request was last touched.
// RecordStatus is read from the joined record and never written.
type Request struct {
	ID                uuid.UUID     `db:"id" json:"id"`
	PatientID         uuid.UUID     `db:"patient_id" json:"patient_id"`
	RecordID          uuid.UUID     `db:"record_id" json:"record_id"`
	RecordLocationID  uuid.UUID     `db:"record_location_id" json:"record_location_id"`
	RequestLocationID uuid.UUID     `db:"request_location_id" json:"request_location_id"`
	Identifier        string        `db:"identifier" json:"identifier,omitempty"`
	AssigneeID        *string       `db:"assignee_id" json:"assignee_id,omitempty"`
	Status            RequestStatus `db:"status" json:"status"`
	CreatorID         string        `db:"creator_id" json:"creator_id"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	StatusChangedAt   time.Time     `db:"status_changed_at" json:"status_changed_at"`
	RecordStatus      RecordStatus  `db:"-" json:"record_status"`
}

func (r *Request) updateStatus(s RequestStatus, now time.Time) {
	r.Status = s
	r.StatusChangedAt = now
}

func (r *Request) Kind() Kind {
	if r.RecordStatus == RecordPendingCreation {
		return KindCreate
	}
	return KindPull
}

// MergeRequest records that two folders at the same location belong together
// and must be physically combined.
type MergeRequest struct {
	ID                     uuid.UUID   `db:"id" json:"id"`
	PreferredRecordID      uuid.UUID   `db:"preferred_record_id" json:"preferred_record_id"`
	NotPreferredRecordID   uuid.UUID   `db:"not_preferred_record_id" json:"not_preferred_record_id"`
	PreferredIdentifier    string      `db:"preferred_identifier" json:"preferred_identifier"`
	NotPreferredIdentifier string      `db:"not_preferred_identifier" json:"not_preferred_identifier"`
	Status                 MergeStatus `db:"status" json:"status"`
	CreatorID              string      `db:"creator_id" json:"creator_id"`
	CreatedAt              time.Time   `db:"created_at" json:"created_at"`
}

// AssignResult reports a batch assignment. Success lists the record
// identifiers assigned and Errors the patient primary identifiers of requests
// that were no longer assignable. PrintFailures lists request ids rolled back
// because their labels could not be printed, and Failures the ones rolled
// back for any other reason.
type AssignResult struct {
	Success       []string        `json:"success"`
	Errors        []string        `json:"error"`
	PrintFailures []uuid.UUID     `json:"print_failures,omitempty"`
	Failures      []AssignFailure `json:"failures,omitempty"`
}

type AssignFailure struct {
	RequestID uuid.UUID `json:"request_id"`
	Reason    string    `json:"reason"`
}
