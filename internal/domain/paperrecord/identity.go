package paperrecord

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// FindOrCreate returns the active record of patientID at the medical record
// location owning locationID, creating a PENDING_CREATION record when there is
// none. Calls for the same patient and location are serialized.
func (s *Service) FindOrCreate(ctx context.Context, patientID, locationID uuid.UUID) (*PaperRecord, error) {
	if patientID == uuid.Nil {
		return nil, invalidInput("patient is required")
	}
	if locationID == uuid.Nil {
		return nil, invalidInput("location is required")
	}
	if _, err := s.patient(ctx, patientID); err != nil {
		return nil, err
	}
	loc, err := s.recordLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(recordKey{patientID: patientID, locationID: loc.ID})
	defer unlock()

	var rec *PaperRecord
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.findOrCreateLocked(ctx, patientID, loc.ID)
		return err
	})
	return rec, err
}

// findOrCreateLocked must run with the (patient, location) key held.
func (s *Service) findOrCreateLocked(ctx context.Context, patientID, recordLocationID uuid.UUID) (*PaperRecord, error) {
	existing, err := s.activeRecord(ctx, patientID, recordLocationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.Warn().
			Str("patient_id", patientID.String()).
			Str("record_location_id", recordLocationID.String()).
			Str("record_id", existing.ID.String()).
			Msg("record creation requested for patient who already has a record at this location")
		return existing, nil
	}
	return s.createRecordLocked(ctx, patientID, recordLocationID)
}

// createRecordLocked inserts a PENDING_CREATION record. The store's uniqueness
// guard settles races with other processes; the loser gets the winner's record.
func (s *Service) createRecordLocked(ctx context.Context, patientID, recordLocationID uuid.UUID) (*PaperRecord, error) {
	now := s.now()
	rec := &PaperRecord{
		ID:               uuid.New(),
		PatientID:        patientID,
		RecordLocationID: recordLocationID,
		Status:           RecordPendingCreation,
		CreatorID:        actor(ctx),
		CreatedAt:        now,
		StatusChangedAt:  now,
	}
	err := s.store.CreateRecord(ctx, rec)
	if errors.Is(err, errActiveRecordExists) {
		existing, err := s.activeRecord(ctx, patientID, recordLocationID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, inconsistent("record for patient %s vanished after conflicting insert", patientID)
		}
		s.logger.Warn().
			Str("patient_id", patientID.String()).
			Str("record_location_id", recordLocationID.String()).
			Msg("concurrent record creation detected")
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	recordsCreated.Inc()
	return rec, nil
}

// activeRecord returns the single non-voided record or nil.
func (s *Service) activeRecord(ctx context.Context, patientID, recordLocationID uuid.UUID) (*PaperRecord, error) {
	records, err := s.store.FindRecords(ctx, patientID, &recordLocationID)
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	switch len(records) {
	case 0:
		return nil, nil
	case 1:
		return records[0], nil
	default:
		return nil, inconsistent("patient %s has %d active records at location %s",
			patientID, len(records), recordLocationID)
	}
}

// GetRecords lists a patient's active records, at the medical record location
// owning locationID when it is given.
func (s *Service) GetRecords(ctx context.Context, patientID uuid.UUID, locationID *uuid.UUID) ([]*PaperRecord, error) {
	if patientID == uuid.Nil {
		return nil, invalidInput("patient is required")
	}
	var resolved *uuid.UUID
	if locationID != nil {
		loc, err := s.recordLocation(ctx, *locationID)
		if err != nil {
			return nil, err
		}
		resolved = &loc.ID
	}
	return s.store.FindRecords(ctx, patientID, resolved)
}

func (s *Service) RecordExistsWithIdentifier(ctx context.Context, identifier string, locationID uuid.UUID) (bool, error) {
	loc, err := s.recordLocation(ctx, locationID)
	if err != nil {
		return false, err
	}
	records, err := s.store.FindRecordsByIdentifier(ctx, identifier, &loc.ID)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

func (s *Service) RecordExistsForPatientWithPrimaryIdentifier(ctx context.Context, primaryIdentifier string, locationID uuid.UUID) (bool, error) {
	p, err := s.patientByPrimaryIdentifier(ctx, primaryIdentifier)
	if err != nil || p == nil {
		return false, err
	}
	records, err := s.GetRecords(ctx, p.ID, &locationID)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

// IdentifierInUse reports whether any folder, voided or not, carries identifier
// at the medical record location owning locationID.
func (s *Service) IdentifierInUse(ctx context.Context, identifier string, locationID uuid.UUID) (bool, error) {
	loc, err := s.recordLocation(ctx, locationID)
	if err != nil {
		return false, err
	}
	return s.store.IdentifierInUse(ctx, identifier, loc.ID)
}

// newIdentifier generates an identifier not yet used at recordLocationID.
func (s *Service) newIdentifier(ctx context.Context, recordLocationID uuid.UUID) (string, error) {
	for attempt := 0; attempt < maxIdentifierAttempts; attempt++ {
		id, err := s.ids.Generate(ctx, s.cfg.IdentifierType, recordLocationID, "generating a new dossier number")
		if err != nil {
			return "", fmt.Errorf("generate identifier: %w", err)
		}
		inUse, err := s.store.IdentifierInUse(ctx, id, recordLocationID)
		if err != nil {
			return "", err
		}
		if !inUse {
			return id, nil
		}
		s.logger.Error().
			Str("identifier", id).
			Str("record_location_id", recordLocationID.String()).
			Msg("generated duplicate paper record identifier, regenerating")
	}
	return "", inconsistent("no unused identifier after %d attempts", maxIdentifierAttempts)
}
