package paperrecord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/paperrecord/internal/domain/patient"
	"github.com/ehr/paperrecord/internal/platform/auth"
	"github.com/ehr/paperrecord/internal/platform/location"
)

// maxIdentifierAttempts bounds regeneration when the generator hands out an
// identifier that is already on a folder.
const maxIdentifierAttempts = 10

type PatientDirectory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	FindByPrimaryIdentifier(ctx context.Context, identifier string) (*patient.Patient, error)
}

type LocationResolver interface {
	Get(ctx context.Context, id uuid.UUID) (*location.Location, error)
	MedicalRecordLocation(ctx context.Context, id uuid.UUID) (*location.Location, error)
	ArchivesLocation(ctx context.Context, id uuid.UUID) (*location.Location, error)
}

type IdentifierGenerator interface {
	Generate(ctx context.Context, identifierType string, locationID uuid.UUID, reason string) (string, error)
}

type LabelPrinter interface {
	Print(ctx context.Context, data, charset string, locationID uuid.UUID, labelCount int) error
}

type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Deps struct {
	Store     Store
	Patients  PatientDirectory
	Locations LocationResolver
	IDs       IdentifierGenerator
	Printer   LabelPrinter
	Tx        TxRunner
}

type Config struct {
	IdentifierType     string
	FormLabelsOnCreate int
	FormLabelsOnPull   int
}

// Service owns paper record identity, the request lifecycle and merge
// reconciliation.
type Service struct {
	store     Store
	patients  PatientDirectory
	locations LocationResolver
	ids       IdentifierGenerator
	printer   LabelPrinter
	tx        TxRunner
	cfg       Config
	labels    labelTemplates
	locks     *keyLock
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(deps Deps, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		store:     deps.Store,
		patients:  deps.Patients,
		locations: deps.Locations,
		ids:       deps.IDs,
		printer:   deps.Printer,
		tx:        deps.Tx,
		cfg:       cfg,
		labels:    defaultLabelTemplates(),
		locks:     newKeyLock(),
		now:       time.Now,
		logger:    logger.With().Str("component", "paperrecord").Logger(),
	}
}

// WithClock replaces the clock used to stamp creation and status-change times.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func actor(ctx context.Context) string {
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		return uid
	}
	return "system"
}

func (s *Service) recordLocation(ctx context.Context, id uuid.UUID) (*location.Location, error) {
	l, err := s.locations.MedicalRecordLocation(ctx, id)
	if errors.Is(err, location.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return l, err
}

func (s *Service) patient(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	p, err := s.patients.GetPatient(ctx, id)
	if errors.Is(err, patient.ErrNotFound) {
		return nil, invalidInput("unknown patient %s", id)
	}
	return p, err
}

// patientByPrimaryIdentifier returns nil when no patient holds identifier.
func (s *Service) patientByPrimaryIdentifier(ctx context.Context, identifier string) (*patient.Patient, error) {
	p, err := s.patients.FindByPrimaryIdentifier(ctx, identifier)
	switch {
	case errors.Is(err, patient.ErrNotFound):
		return nil, nil
	case errors.Is(err, patient.ErrDuplicate):
		return nil, inconsistent("multiple patients with identifier %s", identifier)
	}
	return p, err
}

func (s *Service) saveRequest(ctx context.Context, q *Request) error {
	if err := s.store.UpdateRequest(ctx, q); err != nil {
		if errors.Is(err, errPendingRequestExists) {
			return inconsistent("record %s already has a pending request", q.RecordID)
		}
		return fmt.Errorf("update request %s: %w", q.ID, err)
	}
	return nil
}
