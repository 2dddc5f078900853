package paperrecord

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/paperrecord/internal/domain/patient"
)

// OnPatientsMerging prepares paper records for notPreferred being folded into
// preferred. Pending requests of both patients are cancelled rather than
// reconciled, the non-preferred patient's requests and records move to the
// preferred patient, and folders both patients hold at one location are
// proposed for merging.
func (s *Service) OnPatientsMerging(ctx context.Context, preferred, notPreferred *patient.Patient) error {
	if preferred == nil || notPreferred == nil {
		return invalidInput("preferred and not preferred patients are required")
	}

	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		requests, err := s.store.FindRequests(ctx, RequestFilter{
			PatientIDs: []uuid.UUID{preferred.ID, notPreferred.ID},
		})
		if err != nil {
			return fmt.Errorf("find requests: %w", err)
		}
		for _, q := range requests {
			if q.Status.IsPending() {
				if err := s.markAsCancelled(ctx, q); err != nil {
					return err
				}
			}
		}
		for _, q := range requests {
			if q.PatientID != notPreferred.ID {
				continue
			}
			q.PatientID = preferred.ID
			if err := s.saveRequest(ctx, q); err != nil {
				return err
			}
		}

		preferredRecords, err := s.store.FindRecords(ctx, preferred.ID, nil)
		if err != nil {
			return fmt.Errorf("find records: %w", err)
		}
		byLocation := make(map[uuid.UUID]*PaperRecord, len(preferredRecords))
		for _, r := range preferredRecords {
			byLocation[r.RecordLocationID] = r
		}

		notPreferredRecords, err := s.store.FindRecords(ctx, notPreferred.ID, nil)
		if err != nil {
			return fmt.Errorf("find records: %w", err)
		}
		for _, np := range notPreferredRecords {
			if p, ok := byLocation[np.RecordLocationID]; ok {
				moved, err := s.pairRecords(ctx, p, np)
				if err != nil {
					return err
				}
				if !moved {
					continue
				}
			}
			np.PatientID = preferred.ID
			if err := s.store.UpdateRecord(ctx, np); err != nil {
				return fmt.Errorf("reassign record %s: %w", np.ID, err)
			}
		}

		s.logger.Info().
			Str("preferred", preferred.PrimaryIdentifier).
			Str("not_preferred", notPreferred.PrimaryIdentifier).
			Int("requests", len(requests)).
			Msg("paper records prepared for patient merge")
		return nil
	})
}

// pairRecords settles two records of the merged patients at one location.
// Folders that both exist are proposed for merging. A record never given an
// identifier has no physical folder and is voided instead. moved reports
// whether notPreferred survives and must follow the patient.
func (s *Service) pairRecords(ctx context.Context, preferred, notPreferred *PaperRecord) (moved bool, err error) {
	switch {
	case notPreferred.Identifier == "":
		return false, s.voidRecord(ctx, notPreferred)
	case preferred.Identifier == "":
		return true, s.voidRecord(ctx, preferred)
	}
	if _, err := s.ProposeMerge(ctx, preferred.ID, notPreferred.ID); err != nil {
		return false, err
	}
	return false, nil
}

// MergeAction plugs the service into the patient merge subsystem.
type MergeAction struct {
	svc *Service
}

func NewMergeAction(svc *Service) *MergeAction {
	return &MergeAction{svc: svc}
}

func (a *MergeAction) BeforeMergingPatients(ctx context.Context, preferred, notPreferred *patient.Patient) error {
	return a.svc.OnPatientsMerging(ctx, preferred, notPreferred)
}

func (a *MergeAction) AfterMergingPatients(context.Context, *patient.Patient, *patient.Patient) error {
	return nil
}
