package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound        = errors.New("patient not found")
	ErrDuplicate       = errors.New("multiple patients share identifier")
	ErrInvalidMerge    = errors.New("invalid patient merge")
	ErrMissingRequired = errors.New("missing required field")
)

// MergeAction lets other modules adjust their own data when two patients are
// combined. Both hooks run inside the merge transaction; an error from either
// aborts the whole merge.
type MergeAction interface {
	BeforeMergingPatients(ctx context.Context, preferred, notPreferred *Patient) error
	AfterMergingPatients(ctx context.Context, preferred, notPreferred *Patient) error
}

type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	patients PatientRepository
	tx       TxRunner
	actions  []MergeAction
	logger   zerolog.Logger
}

func NewService(patients PatientRepository, tx TxRunner, logger zerolog.Logger) *Service {
	return &Service{
		patients: patients,
		tx:       tx,
		logger:   logger.With().Str("component", "patient").Logger(),
	}
}

// RegisterMergeAction adds a hook run by MergePatients, in registration order.
func (s *Service) RegisterMergeAction(a MergeAction) {
	s.actions = append(s.actions, a)
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if p.PrimaryIdentifier == "" {
		return fmt.Errorf("%w: primary_identifier", ErrMissingRequired)
	}
	if p.FamilyName == "" && p.GivenName == "" {
		return fmt.Errorf("%w: name", ErrMissingRequired)
	}
	return s.patients.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// FindByPrimaryIdentifier returns the single active patient with identifier.
func (s *Service) FindByPrimaryIdentifier(ctx context.Context, identifier string) (*Patient, error) {
	patients, err := s.patients.ListByPrimaryIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	switch len(patients) {
	case 0:
		return nil, fmt.Errorf("%w: identifier %s", ErrNotFound, identifier)
	case 1:
		return patients[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, identifier)
	}
}

// MergePatients folds notPreferred into preferred. Registered merge actions
// see both patients before the non-preferred one is voided and again after.
func (s *Service) MergePatients(ctx context.Context, preferredID, notPreferredID uuid.UUID) (*Patient, error) {
	if preferredID == notPreferredID {
		return nil, fmt.Errorf("%w: cannot merge a patient into itself", ErrInvalidMerge)
	}

	var preferred *Patient
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		preferred, err = s.patients.GetByID(ctx, preferredID)
		if err != nil {
			return err
		}
		notPreferred, err := s.patients.GetByID(ctx, notPreferredID)
		if err != nil {
			return err
		}
		if preferred.Voided || notPreferred.Voided {
			return fmt.Errorf("%w: voided patients cannot be merged", ErrInvalidMerge)
		}

		for _, a := range s.actions {
			if err := a.BeforeMergingPatients(ctx, preferred, notPreferred); err != nil {
				return fmt.Errorf("before merge: %w", err)
			}
		}
		if err := s.patients.MarkMerged(ctx, notPreferred.ID, preferred.ID); err != nil {
			return fmt.Errorf("mark merged: %w", err)
		}
		notPreferred.Voided = true
		notPreferred.MergedInto = &preferred.ID
		for _, a := range s.actions {
			if err := a.AfterMergingPatients(ctx, preferred, notPreferred); err != nil {
				return fmt.Errorf("after merge: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("preferred", preferredID.String()).
		Str("not_preferred", notPreferredID.String()).
		Msg("patients merged")
	return preferred, nil
}
