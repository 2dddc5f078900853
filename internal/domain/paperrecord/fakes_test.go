package paperrecord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/paperrecord/internal/domain/patient"
	"github.com/ehr/paperrecord/internal/platform/location"
)

// -- Store --

// memStore keeps rows by value so callers never share pointers with it, the
// way rows read from a database behave. It enforces the same uniqueness rules
// as the Postgres indexes.
type memStore struct {
	mu       sync.Mutex
	records  map[uuid.UUID]PaperRecord
	requests map[uuid.UUID]Request
	merges   map[uuid.UUID]MergeRequest
}

func newMemStore() *memStore {
	return &memStore{
		records:  make(map[uuid.UUID]PaperRecord),
		requests: make(map[uuid.UUID]Request),
		merges:   make(map[uuid.UUID]MergeRequest),
	}
}

type memSnapshot struct {
	records  map[uuid.UUID]PaperRecord
	requests map[uuid.UUID]Request
	merges   map[uuid.UUID]MergeRequest
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		records:  make(map[uuid.UUID]PaperRecord, len(s.records)),
		requests: make(map[uuid.UUID]Request, len(s.requests)),
		merges:   make(map[uuid.UUID]MergeRequest, len(s.merges)),
	}
	for k, v := range s.records {
		snap.records[k] = v
	}
	for k, v := range s.requests {
		snap.requests[k] = v
	}
	for k, v := range s.merges {
		snap.merges[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = snap.records
	s.requests = snap.requests
	s.merges = snap.merges
}

func (s *memStore) CreateRecord(_ context.Context, r *PaperRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !r.Voided {
		for _, existing := range s.records {
			if !existing.Voided && existing.PatientID == r.PatientID && existing.RecordLocationID == r.RecordLocationID {
				return errActiveRecordExists
			}
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	s.records[r.ID] = *r
	return nil
}

func (s *memStore) GetRecord(_ context.Context, id uuid.UUID) (*PaperRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: paper record %s", ErrNotFound, id)
	}
	return &r, nil
}

func (s *memStore) findRecords(match func(PaperRecord) bool) []*PaperRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PaperRecord
	for _, r := range s.records {
		if match(r) {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) FindRecords(_ context.Context, patientID uuid.UUID, locationID *uuid.UUID) ([]*PaperRecord, error) {
	return s.findRecords(func(r PaperRecord) bool {
		return !r.Voided && r.PatientID == patientID && (locationID == nil || r.RecordLocationID == *locationID)
	}), nil
}

func (s *memStore) FindRecordsByIdentifier(_ context.Context, identifier string, locationID *uuid.UUID) ([]*PaperRecord, error) {
	return s.findRecords(func(r PaperRecord) bool {
		return !r.Voided && r.Identifier == identifier && (locationID == nil || r.RecordLocationID == *locationID)
	}), nil
}

func (s *memStore) IdentifierInUse(_ context.Context, identifier string, locationID uuid.UUID) (bool, error) {
	return len(s.findRecords(func(r PaperRecord) bool {
		return r.Identifier == identifier && r.RecordLocationID == locationID
	})) > 0, nil
}

func (s *memStore) UpdateRecord(_ context.Context, r *PaperRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; !ok {
		return fmt.Errorf("%w: paper record %s", ErrNotFound, r.ID)
	}
	s.records[r.ID] = *r
	return nil
}

// pendingConflict must be called with mu held.
func (s *memStore) pendingConflict(q *Request) bool {
	if !q.Status.IsPending() {
		return false
	}
	for _, other := range s.requests {
		if other.ID != q.ID && other.RecordID == q.RecordID && other.Status.IsPending() {
			return true
		}
	}
	return false
}

func (s *memStore) CreateRequest(_ context.Context, q *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if s.pendingConflict(q) {
		return errPendingRequestExists
	}
	s.requests[q.ID] = *q
	return nil
}

// withRecordStatus must be called with mu held.
func (s *memStore) withRecordStatus(q Request) *Request {
	q.RecordStatus = s.records[q.RecordID].Status
	return &q
}

func (s *memStore) GetRequest(_ context.Context, id uuid.UUID) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: paper record request %s", ErrNotFound, id)
	}
	return s.withRecordStatus(q), nil
}

func (s *memStore) LockRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	return s.GetRequest(ctx, id)
}

func (s *memStore) FindRequests(_ context.Context, f RequestFilter) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, q := range s.requests {
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, q.Status) {
			continue
		}
		if len(f.PatientIDs) > 0 && !containsID(f.PatientIDs, q.PatientID) {
			continue
		}
		if f.RecordID != nil && q.RecordID != *f.RecordID {
			continue
		}
		if f.RecordLocationID != nil && q.RecordLocationID != *f.RecordLocationID {
			continue
		}
		if f.Identifier != "" && q.Identifier != f.Identifier {
			continue
		}
		full := s.withRecordStatus(q)
		if f.Kind != "" && full.Kind() != f.Kind {
			continue
		}
		out = append(out, full)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) UpdateRequest(_ context.Context, q *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[q.ID]; !ok {
		return fmt.Errorf("%w: paper record request %s", ErrNotFound, q.ID)
	}
	if s.pendingConflict(q) {
		return errPendingRequestExists
	}
	s.requests[q.ID] = *q
	return nil
}

func (s *memStore) CreateMergeRequest(_ context.Context, m *MergeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merges[m.ID] = *m
	return nil
}

func (s *memStore) GetMergeRequest(_ context.Context, id uuid.UUID) (*MergeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.merges[id]
	if !ok {
		return nil, fmt.Errorf("%w: merge request %s", ErrNotFound, id)
	}
	return &m, nil
}

func (s *memStore) FindMergeRequests(_ context.Context, statuses []MergeStatus) ([]*MergeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*MergeRequest
	for _, m := range s.merges {
		match := len(statuses) == 0
		for _, st := range statuses {
			if m.Status == st {
				match = true
			}
		}
		if match {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) UpdateMergeRequest(_ context.Context, m *MergeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merges[m.ID] = *m
	return nil
}

func containsStatus(list []RequestStatus, s RequestStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// request returns a stored request by value for assertions.
func (s *memStore) request(t *testing.T, id uuid.UUID) Request {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.requests[id]
	if !ok {
		t.Fatalf("request %s not stored", id)
	}
	return q
}

func (s *memStore) record(t *testing.T, id uuid.UUID) PaperRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		t.Fatalf("record %s not stored", id)
	}
	return r
}

// -- Transactions --

type txKey struct{}

// memTx runs one transaction at a time and restores the store snapshot when
// fn fails. Nested calls join the outer transaction.
type memTx struct {
	mu    sync.Mutex
	store *memStore
}

func (m *memTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.store.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.store.restore(snap)
		return err
	}
	return nil
}

// -- Collaborators --

type fakePatients struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*patient.Patient
}

func (f *fakePatients) GetPatient(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.patients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", patient.ErrNotFound, id)
	}
	return p, nil
}

func (f *fakePatients) FindByPrimaryIdentifier(_ context.Context, identifier string) (*patient.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []*patient.Patient
	for _, p := range f.patients {
		if p.PrimaryIdentifier == identifier {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: identifier %s", patient.ErrNotFound, identifier)
	case 1:
		return found[0], nil
	default:
		return nil, patient.ErrDuplicate
	}
}

// fakeLocations maps each known location to its medical record location and
// each medical record location to its archives room.
type fakeLocations struct {
	locations map[uuid.UUID]*location.Location
	medical   map[uuid.UUID]uuid.UUID
	archives  map[uuid.UUID]uuid.UUID
}

func (f *fakeLocations) Get(_ context.Context, id uuid.UUID) (*location.Location, error) {
	l, ok := f.locations[id]
	if !ok {
		return nil, location.ErrNotFound
	}
	return l, nil
}

func (f *fakeLocations) MedicalRecordLocation(ctx context.Context, id uuid.UUID) (*location.Location, error) {
	m, ok := f.medical[id]
	if !ok {
		return nil, location.ErrNotFound
	}
	return f.Get(ctx, m)
}

func (f *fakeLocations) ArchivesLocation(ctx context.Context, id uuid.UUID) (*location.Location, error) {
	a, ok := f.archives[id]
	if !ok {
		return nil, location.ErrNotFound
	}
	return f.Get(ctx, a)
}

// fakeIDs hands out queued identifiers first, then A000001, A000002, ...
type fakeIDs struct {
	mu     sync.Mutex
	queued []string
	next   int
}

func (f *fakeIDs) Generate(context.Context, string, uuid.UUID, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queued) > 0 {
		id := f.queued[0]
		f.queued = f.queued[1:]
		return id, nil
	}
	f.next++
	return fmt.Sprintf("A%06d", f.next), nil
}

type printJob struct {
	data       string
	charset    string
	locationID uuid.UUID
	count      int
}

// fakePrinter fails every job whose payload contains one of failOn.
type fakePrinter struct {
	mu     sync.Mutex
	jobs   []printJob
	failOn []string
}

func (f *fakePrinter) Print(_ context.Context, data, charset string, locationID uuid.UUID, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.failOn {
		if strings.Contains(data, s) {
			return errors.New("printer offline")
		}
	}
	f.jobs = append(f.jobs, printJob{data: data, charset: charset, locationID: locationID, count: count})
	return nil
}

func (f *fakePrinter) printed() []printJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]printJob(nil), f.jobs...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// -- Fixture --

type fixture struct {
	svc       *Service
	store     *memStore
	patients  *fakePatients
	locations *fakeLocations
	ids       *fakeIDs
	printer   *fakePrinter
	clock     *fakeClock

	hospital uuid.UUID // medical record location
	archives uuid.UUID
	ward     uuid.UUID
	clinic   uuid.UUID

	otherHospital uuid.UUID
	otherWard     uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:         newMemStore(),
		patients:      &fakePatients{patients: make(map[uuid.UUID]*patient.Patient)},
		ids:           &fakeIDs{},
		printer:       &fakePrinter{},
		clock:         &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		hospital:      uuid.New(),
		archives:      uuid.New(),
		ward:          uuid.New(),
		clinic:        uuid.New(),
		otherHospital: uuid.New(),
		otherWard:     uuid.New(),
	}

	loc := func(id uuid.UUID, name string) *location.Location {
		return &location.Location{ID: id, Name: name}
	}
	f.locations = &fakeLocations{
		locations: map[uuid.UUID]*location.Location{
			f.hospital:      loc(f.hospital, "Mirebalais"),
			f.archives:      loc(f.archives, "Archives"),
			f.ward:          loc(f.ward, "Women's Ward"),
			f.clinic:        loc(f.clinic, "Outpatient Clinic"),
			f.otherHospital: loc(f.otherHospital, "Lacolline"),
			f.otherWard:     loc(f.otherWard, "Lacolline Ward"),
		},
		medical: map[uuid.UUID]uuid.UUID{
			f.hospital:      f.hospital,
			f.archives:      f.hospital,
			f.ward:          f.hospital,
			f.clinic:        f.hospital,
			f.otherHospital: f.otherHospital,
			f.otherWard:     f.otherHospital,
		},
		archives: map[uuid.UUID]uuid.UUID{
			f.hospital: f.archives,
		},
	}

	f.svc = NewService(Deps{
		Store:     f.store,
		Patients:  f.patients,
		Locations: f.locations,
		IDs:       f.ids,
		Printer:   f.printer,
		Tx:        &memTx{store: f.store},
	}, Config{
		IdentifierType:     "paper_record",
		FormLabelsOnCreate: 3,
		FormLabelsOnPull:   2,
	}, zerolog.Nop()).WithClock(f.clock.Now)
	return f
}

func (f *fixture) addPatient(primaryIdentifier, family, given string) *patient.Patient {
	p := &patient.Patient{
		ID:                uuid.New(),
		PrimaryIdentifier: primaryIdentifier,
		FamilyName:        family,
		GivenName:         given,
	}
	f.patients.mu.Lock()
	f.patients.patients[p.ID] = p
	f.patients.mu.Unlock()
	return p
}

// addRecord stores an ACTIVE record carrying identifier, as if its folder had
// been created earlier.
func (f *fixture) addRecord(t *testing.T, p *patient.Patient, recordLocation uuid.UUID, identifier string) *PaperRecord {
	t.Helper()
	now := f.clock.Now()
	r := &PaperRecord{
		ID:               uuid.New(),
		PatientID:        p.ID,
		Identifier:       identifier,
		RecordLocationID: recordLocation,
		Status:           RecordActive,
		CreatorID:        "seed",
		CreatedAt:        now,
		StatusChangedAt:  now,
	}
	if err := f.store.CreateRecord(context.Background(), r); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return r
}

// addRequest stores a request for rec in the given status, created at createdAt.
func (f *fixture) addRequest(t *testing.T, rec *PaperRecord, requestLocation uuid.UUID, status RequestStatus, createdAt time.Time) *Request {
	t.Helper()
	q := &Request{
		ID:                uuid.New(),
		PatientID:         rec.PatientID,
		RecordID:          rec.ID,
		RecordLocationID:  rec.RecordLocationID,
		RequestLocationID: requestLocation,
		Identifier:        rec.Identifier,
		Status:            status,
		CreatorID:         "seed",
		CreatedAt:         createdAt,
		StatusChangedAt:   createdAt,
	}
	if err := f.store.CreateRequest(context.Background(), q); err != nil {
		t.Fatalf("seed request: %v", err)
	}
	return q
}

func (f *fixture) pendingCount(recordID uuid.UUID) int {
	reqs, _ := f.store.FindRequests(context.Background(), RequestFilter{Statuses: PendingStatuses, RecordID: &recordID})
	return len(reqs)
}
