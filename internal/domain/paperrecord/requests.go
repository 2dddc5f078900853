package paperrecord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/paperrecord/internal/platform/location"
)

var errNotAssignable = errors.New("request is not assignable")

// RequestRecord asks for the patient's folder at the medical record location
// owning recordLocationID to be sent to requestLocationID. A pending request
// for the same folder is re-pointed at the new request location and returned
// instead of opening a second one.
func (s *Service) RequestRecord(ctx context.Context, patientID, recordLocationID, requestLocationID uuid.UUID) (*Request, error) {
	q, _, err := s.requestRecord(ctx, patientID, recordLocationID, requestLocationID)
	return q, err
}

// requestRecord also reports whether a new request was opened.
func (s *Service) requestRecord(ctx context.Context, patientID, recordLocationID, requestLocationID uuid.UUID) (*Request, bool, error) {
	switch {
	case patientID == uuid.Nil:
		return nil, false, invalidInput("patient is required")
	case recordLocationID == uuid.Nil:
		return nil, false, invalidInput("record location is required")
	case requestLocationID == uuid.Nil:
		return nil, false, invalidInput("request location is required")
	}
	if _, err := s.patient(ctx, patientID); err != nil {
		return nil, false, err
	}
	if _, err := s.locations.Get(ctx, requestLocationID); err != nil {
		if errors.Is(err, location.ErrNotFound) {
			return nil, false, invalidInput("unknown request location %s", requestLocationID)
		}
		return nil, false, err
	}
	loc, err := s.recordLocation(ctx, recordLocationID)
	if err != nil {
		return nil, false, err
	}

	unlock := s.locks.Lock(recordKey{patientID: patientID, locationID: loc.ID})
	defer unlock()

	var (
		out     *Request
		created bool
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		pending, err := s.store.FindRequests(ctx, RequestFilter{
			Statuses:         PendingStatuses,
			PatientIDs:       []uuid.UUID{patientID},
			RecordLocationID: &loc.ID,
		})
		if err != nil {
			return fmt.Errorf("find pending requests: %w", err)
		}
		switch {
		case len(pending) > 1:
			s.logger.Error().
				Str("patient_id", patientID.String()).
				Str("record_location_id", loc.ID.String()).
				Int("pending", len(pending)).
				Msg("several pending requests for one folder")
			return inconsistent("patient %s has %d pending requests at location %s", patientID, len(pending), loc.ID)
		case len(pending) == 1:
			out = pending[0]
			out.RequestLocationID = requestLocationID
			return s.saveRequest(ctx, out)
		}

		rec, err := s.activeRecord(ctx, patientID, loc.ID)
		if err != nil {
			return err
		}
		if rec == nil {
			if rec, err = s.createRecordLocked(ctx, patientID, loc.ID); err != nil {
				return err
			}
		}

		now := s.now()
		q := &Request{
			ID:                uuid.New(),
			PatientID:         patientID,
			RecordID:          rec.ID,
			RecordLocationID:  loc.ID,
			RequestLocationID: requestLocationID,
			Identifier:        rec.Identifier,
			Status:            RequestOpen,
			CreatorID:         actor(ctx),
			CreatedAt:         now,
			StatusChangedAt:   now,
			RecordStatus:      rec.Status,
		}
		if err := s.store.CreateRequest(ctx, q); err != nil {
			if errors.Is(err, errPendingRequestExists) {
				return inconsistent("record %s already has a pending request", rec.ID)
			}
			return fmt.Errorf("create request: %w", err)
		}
		requestTransitions.WithLabelValues(string(RequestOpen)).Inc()
		out, created = q, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// AssignRequests hands OPEN requests to an archivist and prints their labels
// at printLocationID (the archives room of each request when uuid.Nil). Each
// request commits on its own: a request that is no longer assignable is
// reported in Errors, and one whose labels fail to print is rolled back and
// reported in PrintFailures without affecting the others. Any other failure
// rolls back that request alone and is reported in Failures. The returned
// error wraps ErrPrintingFailure when any print failed, otherwise the first
// other failure.
func (s *Service) AssignRequests(ctx context.Context, requestIDs []uuid.UUID, assigneeID string, printLocationID uuid.UUID) (*AssignResult, error) {
	if requestIDs == nil {
		return nil, invalidInput("requests are required")
	}
	if assigneeID == "" {
		return nil, invalidInput("assignee is required")
	}

	result := &AssignResult{Success: []string{}, Errors: []string{}}
	var printErr, firstErr error
	for _, id := range requestIDs {
		var (
			assigned string
			rejected string
		)
		err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
			var err error
			assigned, rejected, err = s.assignOne(ctx, id, assigneeID, printLocationID)
			return err
		})
		switch {
		case err == nil:
			result.Success = append(result.Success, assigned)
		case errors.Is(err, errNotAssignable):
			assignmentFailures.WithLabelValues("not_assignable").Inc()
			result.Errors = append(result.Errors, rejected)
		case errors.Is(err, ErrPrintingFailure):
			assignmentFailures.WithLabelValues("printing").Inc()
			result.PrintFailures = append(result.PrintFailures, id)
			if printErr == nil {
				printErr = err
			}
			s.logger.Error().Err(err).Str("request_id", id.String()).Msg("assignment rolled back after print failure")
		default:
			assignmentFailures.WithLabelValues("error").Inc()
			result.Failures = append(result.Failures, AssignFailure{RequestID: id, Reason: err.Error()})
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Error().Err(err).Str("request_id", id.String()).Msg("assignment rolled back")
		}
	}

	failed := len(result.PrintFailures) + len(result.Failures)
	switch {
	case printErr != nil:
		return result, fmt.Errorf("%d of %d requests not assigned: %w", failed, len(requestIDs), printErr)
	case firstErr != nil:
		return result, fmt.Errorf("%d of %d requests not assigned: %w", failed, len(requestIDs), firstErr)
	}
	return result, nil
}

// assignOne runs inside the item's transaction. On errNotAssignable, rejected
// names the patient by primary identifier.
func (s *Service) assignOne(ctx context.Context, id uuid.UUID, assigneeID string, printLocationID uuid.UUID) (assigned, rejected string, err error) {
	q, err := s.store.LockRequest(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", id.String(), fmt.Errorf("%w: %v", errNotAssignable, err)
	}
	if err != nil {
		return "", "", err
	}
	rec, err := s.store.GetRecord(ctx, q.RecordID)
	if err != nil {
		return "", "", err
	}
	p, err := s.patient(ctx, q.PatientID)
	if err != nil {
		return "", "", err
	}

	if q.Status != RequestOpen || rec.Voided || (q.Identifier == "" && rec.Identifier != "") {
		s.logger.Warn().
			Str("request_id", q.ID.String()).
			Str("status", string(q.Status)).
			Msg("skipping request that is no longer assignable")
		return "", p.PrimaryIdentifier, errNotAssignable
	}

	target := printLocationID
	if target == uuid.Nil {
		archives, err := s.locations.ArchivesLocation(ctx, q.RecordLocationID)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		target = archives.ID
	}

	if q.Identifier == "" {
		identifier, err := s.newIdentifier(ctx, rec.RecordLocationID)
		if err != nil {
			return "", "", err
		}
		rec.Identifier = identifier
		if err := s.store.UpdateRecord(ctx, rec); err != nil {
			return "", "", fmt.Errorf("update record: %w", err)
		}
		q.Identifier = identifier
		if err := s.printRecordLabelSet(ctx, p, identifier, target); err != nil {
			return "", "", err
		}
	} else {
		if err := s.printFormLabels(ctx, p, q.Identifier, target, s.cfg.FormLabelsOnPull); err != nil {
			return "", "", err
		}
	}

	q.updateStatus(RequestAssigned, s.now())
	q.AssigneeID = &assigneeID
	if err := s.saveRequest(ctx, q); err != nil {
		return "", "", err
	}
	requestTransitions.WithLabelValues(string(RequestAssigned)).Inc()
	return q.Identifier, "", nil
}

// MarkAsSent records that the folder left the archives room. A record still
// PENDING_CREATION becomes ACTIVE, since it now physically exists.
func (s *Service) MarkAsSent(ctx context.Context, requestID uuid.UUID) (*Request, error) {
	return s.transition(ctx, requestID, s.markAsSent)
}

func (s *Service) MarkAsReturned(ctx context.Context, requestID uuid.UUID) (*Request, error) {
	return s.transition(ctx, requestID, s.markAsReturned)
}

func (s *Service) MarkAsCancelled(ctx context.Context, requestID uuid.UUID) (*Request, error) {
	return s.transition(ctx, requestID, s.markAsCancelled)
}

// CancelRequest cancels a request on behalf of a user. Unlike MarkAsCancelled
// it refuses requests that already left the pending states.
func (s *Service) CancelRequest(ctx context.Context, requestID uuid.UUID) (*Request, error) {
	return s.transition(ctx, requestID, func(ctx context.Context, q *Request) error {
		if !q.Status.IsPending() {
			return invalidInput("request %s is %s and can no longer be cancelled", q.ID, q.Status)
		}
		return s.markAsCancelled(ctx, q)
	})
}

func (s *Service) transition(ctx context.Context, requestID uuid.UUID, fn func(context.Context, *Request) error) (*Request, error) {
	var q *Request
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if q, err = s.store.LockRequest(ctx, requestID); err != nil {
			return err
		}
		return fn(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *Service) markAsSent(ctx context.Context, q *Request) error {
	now := s.now()
	q.updateStatus(RequestSent, now)
	rec, err := s.store.GetRecord(ctx, q.RecordID)
	if err != nil {
		return err
	}
	if rec.Status == RecordPendingCreation {
		rec.updateStatus(RecordActive, now)
		if err := s.store.UpdateRecord(ctx, rec); err != nil {
			return fmt.Errorf("activate record: %w", err)
		}
	}
	q.RecordStatus = rec.Status
	if err := s.saveRequest(ctx, q); err != nil {
		return err
	}
	requestTransitions.WithLabelValues(string(RequestSent)).Inc()
	return nil
}

func (s *Service) markAsReturned(ctx context.Context, q *Request) error {
	q.updateStatus(RequestReturned, s.now())
	if err := s.saveRequest(ctx, q); err != nil {
		return err
	}
	requestTransitions.WithLabelValues(string(RequestReturned)).Inc()
	return nil
}

func (s *Service) markAsCancelled(ctx context.Context, q *Request) error {
	q.updateStatus(RequestCancelled, s.now())
	if err := s.saveRequest(ctx, q); err != nil {
		return err
	}
	requestTransitions.WithLabelValues(string(RequestCancelled)).Inc()
	return nil
}

// ExpirePending cancels every OPEN or ASSIGNED request of the given kind
// created strictly before cutoff, returning how many were cancelled.
func (s *Service) ExpirePending(ctx context.Context, kind Kind, cutoff time.Time) (int, error) {
	if _, ok := ParseKind(string(kind)); !ok {
		return 0, invalidInput("unknown request kind %q", kind)
	}

	expired := 0
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		pending, err := s.store.FindRequests(ctx, RequestFilter{Statuses: PendingStatuses, Kind: kind})
		if err != nil {
			return fmt.Errorf("find pending %s requests: %w", kind, err)
		}
		for _, q := range pending {
			if !q.CreatedAt.Before(cutoff) {
				continue
			}
			if err := s.markAsCancelled(ctx, q); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if expired > 0 {
		requestsExpired.WithLabelValues(string(kind)).Add(float64(expired))
		s.logger.Info().
			Str("kind", string(kind)).
			Time("cutoff", cutoff).
			Int("expired", expired).
			Msg("expired stale requests")
	}
	return expired, nil
}

// -- Queries --

func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	return s.store.GetRequest(ctx, id)
}

// ListRequests finds requests matching f. A RecordLocationID is first resolved
// to its medical record location.
// ListRequests matches f.Identifier against record identifiers first and
// falls back to the patient holding it as primary identifier.
func (s *Service) ListRequests(ctx context.Context, f RequestFilter) ([]*Request, error) {
	if f.RecordLocationID != nil {
		loc, err := s.recordLocation(ctx, *f.RecordLocationID)
		if err != nil {
			return nil, err
		}
		f.RecordLocationID = &loc.ID
	}
	requests, err := s.store.FindRequests(ctx, f)
	if err != nil || len(requests) > 0 || f.Identifier == "" {
		return requests, err
	}
	p, err := s.patientByPrimaryIdentifier(ctx, f.Identifier)
	if err != nil || p == nil {
		return nil, err
	}
	if len(f.PatientIDs) > 0 && !containsID(f.PatientIDs, p.ID) {
		return nil, nil
	}
	f.Identifier = ""
	f.PatientIDs = []uuid.UUID{p.ID}
	return s.store.FindRequests(ctx, f)
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (s *Service) ListOpenToPull(ctx context.Context, locationID *uuid.UUID) ([]*Request, error) {
	return s.ListRequests(ctx, RequestFilter{Statuses: []RequestStatus{RequestOpen}, Kind: KindPull, RecordLocationID: locationID})
}

func (s *Service) ListOpenToCreate(ctx context.Context, locationID *uuid.UUID) ([]*Request, error) {
	return s.ListRequests(ctx, RequestFilter{Statuses: []RequestStatus{RequestOpen}, Kind: KindCreate, RecordLocationID: locationID})
}

func (s *Service) ListAssignedToPull(ctx context.Context, locationID *uuid.UUID) ([]*Request, error) {
	return s.ListRequests(ctx, RequestFilter{Statuses: []RequestStatus{RequestAssigned}, Kind: KindPull, RecordLocationID: locationID})
}

func (s *Service) ListAssignedToCreate(ctx context.Context, locationID *uuid.UUID) ([]*Request, error) {
	return s.ListRequests(ctx, RequestFilter{Statuses: []RequestStatus{RequestAssigned}, Kind: KindCreate, RecordLocationID: locationID})
}

func (s *Service) GetRequestsByPatient(ctx context.Context, patientID uuid.UUID) ([]*Request, error) {
	return s.store.FindRequests(ctx, RequestFilter{PatientIDs: []uuid.UUID{patientID}})
}

// GetPendingRequestByIdentifier returns the OPEN or ASSIGNED request for the
// folder, or nil.
func (s *Service) GetPendingRequestByIdentifier(ctx context.Context, identifier string) (*Request, error) {
	return s.singleRequestByIdentifier(ctx, identifier, PendingStatuses)
}

func (s *Service) GetAssignedRequestByIdentifier(ctx context.Context, identifier string) (*Request, error) {
	return s.singleRequestByIdentifier(ctx, identifier, []RequestStatus{RequestAssigned})
}

func (s *Service) GetSentRequestsByIdentifier(ctx context.Context, identifier string) ([]*Request, error) {
	return s.requestsByIdentifier(ctx, identifier, []RequestStatus{RequestSent})
}

// GetMostRecentSentRequest returns the SENT request of a record whose status
// changed last, or nil.
func (s *Service) GetMostRecentSentRequest(ctx context.Context, recordID uuid.UUID) (*Request, error) {
	sent, err := s.store.FindRequests(ctx, RequestFilter{Statuses: []RequestStatus{RequestSent}, RecordID: &recordID})
	if err != nil || len(sent) == 0 {
		return nil, err
	}
	return latestStatusChange(sent), nil
}

func latestStatusChange(requests []*Request) *Request {
	sorted := append([]*Request(nil), requests...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StatusChangedAt.Before(sorted[j].StatusChangedAt)
	})
	return sorted[len(sorted)-1]
}

func (s *Service) singleRequestByIdentifier(ctx context.Context, identifier string, statuses []RequestStatus) (*Request, error) {
	requests, err := s.requestsByIdentifier(ctx, identifier, statuses)
	if err != nil {
		return nil, err
	}
	switch len(requests) {
	case 0:
		return nil, nil
	case 1:
		return requests[0], nil
	default:
		return nil, inconsistent("%d requests in states %v for identifier %s", len(requests), statuses, identifier)
	}
}

// requestsByIdentifier matches on the folder identifier first and falls back
// to the patient's primary identifier when that finds nothing.
func (s *Service) requestsByIdentifier(ctx context.Context, identifier string, statuses []RequestStatus) ([]*Request, error) {
	if identifier == "" {
		return nil, nil
	}
	requests, err := s.store.FindRequests(ctx, RequestFilter{Statuses: statuses, Identifier: identifier})
	if err != nil || len(requests) > 0 {
		return requests, err
	}
	p, err := s.patientByPrimaryIdentifier(ctx, identifier)
	if err != nil || p == nil {
		return nil, err
	}
	return s.store.FindRequests(ctx, RequestFilter{Statuses: statuses, PatientIDs: []uuid.UUID{p.ID}})
}
