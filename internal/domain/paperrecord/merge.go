package paperrecord

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ProposeMerge opens a merge request folding notPreferred into preferred. Both
// records must be active and at the same record location. The non-preferred
// record is voided right away so new requests resolve to the preferred folder
// while the physical merge is pending.
func (s *Service) ProposeMerge(ctx context.Context, preferredID, notPreferredID uuid.UUID) (*MergeRequest, error) {
	switch {
	case preferredID == uuid.Nil || notPreferredID == uuid.Nil:
		return nil, invalidInput("preferred and not preferred records are required")
	case preferredID == notPreferredID:
		return nil, invalidInput("cannot merge record %s into itself", preferredID)
	}

	var out *MergeRequest
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		preferred, err := s.store.GetRecord(ctx, preferredID)
		if err != nil {
			return err
		}
		notPreferred, err := s.store.GetRecord(ctx, notPreferredID)
		if err != nil {
			return err
		}
		if preferred.Voided || notPreferred.Voided {
			return invalidInput("voided records cannot be merged")
		}
		if preferred.RecordLocationID != notPreferred.RecordLocationID {
			return invalidInput("records %s and %s are at different locations", preferred.ID, notPreferred.ID)
		}

		m := &MergeRequest{
			ID:                     uuid.New(),
			PreferredRecordID:      preferred.ID,
			NotPreferredRecordID:   notPreferred.ID,
			PreferredIdentifier:    preferred.Identifier,
			NotPreferredIdentifier: notPreferred.Identifier,
			Status:                 MergeOpen,
			CreatorID:              actor(ctx),
			CreatedAt:              s.now(),
		}
		if err := s.store.CreateMergeRequest(ctx, m); err != nil {
			return fmt.Errorf("create merge request: %w", err)
		}
		if err := s.voidRecord(ctx, notPreferred); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	mergeEvents.WithLabelValues("proposed").Inc()
	s.logger.Info().
		Str("merge_request_id", out.ID.String()).
		Str("preferred", out.PreferredIdentifier).
		Str("not_preferred", out.NotPreferredIdentifier).
		Msg("record merge proposed")
	return out, nil
}

func (s *Service) voidRecord(ctx context.Context, rec *PaperRecord) error {
	rec.Voided = true
	if err := s.store.UpdateRecord(ctx, rec); err != nil {
		return fmt.Errorf("void record %s: %w", rec.ID, err)
	}
	return nil
}

// ConfirmMerge records that the two folders were physically combined. The
// pending requests of both records collapse into one on the preferred record,
// with the most recent request location winning, and folders sent out under
// the non-preferred identifier are considered returned.
func (s *Service) ConfirmMerge(ctx context.Context, mergeID uuid.UUID) (*MergeRequest, error) {
	var m *MergeRequest
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if m, err = s.store.GetMergeRequest(ctx, mergeID); err != nil {
			return err
		}
		if m.Status != MergeOpen {
			return invalidInput("merge request %s is already %s", m.ID, m.Status)
		}

		preferredPending, err := s.pendingForRecord(ctx, m.PreferredRecordID)
		if err != nil {
			return err
		}
		notPreferredPending, err := s.pendingForRecord(ctx, m.NotPreferredRecordID)
		if err != nil {
			return err
		}

		switch {
		case preferredPending != nil && notPreferredPending != nil:
			if notPreferredPending.CreatedAt.After(preferredPending.CreatedAt) {
				preferredPending.RequestLocationID = notPreferredPending.RequestLocationID
				if err := s.saveRequest(ctx, preferredPending); err != nil {
					return err
				}
			}
			if err := s.markAsCancelled(ctx, notPreferredPending); err != nil {
				return err
			}
		case notPreferredPending != nil:
			preferred, err := s.store.GetRecord(ctx, m.PreferredRecordID)
			if err != nil {
				return err
			}
			notPreferredPending.RecordID = preferred.ID
			notPreferredPending.PatientID = preferred.PatientID
			notPreferredPending.RecordLocationID = preferred.RecordLocationID
			notPreferredPending.Identifier = preferred.Identifier
			notPreferredPending.RecordStatus = preferred.Status
			if err := s.saveRequest(ctx, notPreferredPending); err != nil {
				return err
			}
		}

		sent, err := s.store.FindRequests(ctx, RequestFilter{
			Statuses: []RequestStatus{RequestSent},
			RecordID: &m.NotPreferredRecordID,
		})
		if err != nil {
			return fmt.Errorf("find sent requests: %w", err)
		}
		for _, q := range sent {
			if err := s.markAsReturned(ctx, q); err != nil {
				return err
			}
		}

		m.Status = MergeMerged
		if err := s.store.UpdateMergeRequest(ctx, m); err != nil {
			return fmt.Errorf("update merge request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	mergeEvents.WithLabelValues("merged").Inc()
	s.logger.Info().
		Str("merge_request_id", m.ID.String()).
		Str("preferred", m.PreferredIdentifier).
		Str("not_preferred", m.NotPreferredIdentifier).
		Msg("record merge confirmed")
	return m, nil
}

// pendingForRecord returns the locked OPEN or ASSIGNED request of a record, or nil.
func (s *Service) pendingForRecord(ctx context.Context, recordID uuid.UUID) (*Request, error) {
	pending, err := s.store.FindRequests(ctx, RequestFilter{Statuses: PendingStatuses, RecordID: &recordID})
	if err != nil {
		return nil, fmt.Errorf("find pending requests: %w", err)
	}
	switch len(pending) {
	case 0:
		return nil, nil
	case 1:
		return s.store.LockRequest(ctx, pending[0].ID)
	default:
		return nil, inconsistent("record %s has %d pending requests", recordID, len(pending))
	}
}

func (s *Service) ListOpenMergeRequests(ctx context.Context) ([]*MergeRequest, error) {
	return s.store.FindMergeRequests(ctx, []MergeStatus{MergeOpen})
}

func (s *Service) GetMergeRequest(ctx context.Context, id uuid.UUID) (*MergeRequest, error) {
	return s.store.GetMergeRequest(ctx, id)
}
