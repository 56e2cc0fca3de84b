package records

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/platform/consent"
	"github.com/ehr/recordvault/internal/platform/contentstore"
	"github.com/ehr/recordvault/internal/platform/events"
)

// -- Mock Index --

type indexState struct {
	records  map[uuid.UUID]Record
	versions map[uuid.UUID]Version
	files    map[uuid.UUID]File
	log      []AccessLogEntry
}

func newIndexState() *indexState {
	return &indexState{
		records:  make(map[uuid.UUID]Record),
		versions: make(map[uuid.UUID]Version),
		files:    make(map[uuid.UUID]File),
	}
}

func (s *indexState) clone() *indexState {
	c := newIndexState()
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.versions {
		c.versions[k] = v
	}
	for k, v := range s.files {
		c.files[k] = v
	}
	c.log = append(c.log, s.log...)
	return c
}

// mockIndex enforces the relational constraints the schema declares. When
// built with a replica, replica reads only see what Replicate copied over.
type mockIndex struct {
	mu      sync.Mutex
	primary *indexState
	replica *indexState
	fail    map[string]error
	// beforeCreateVersion runs outside the lock, before the insert.
	beforeCreateVersion func()
}

func newMockIndex(withReplica bool) *mockIndex {
	m := &mockIndex{primary: newIndexState(), fail: make(map[string]error)}
	if withReplica {
		m.replica = newIndexState()
	}
	return m
}

func (m *mockIndex) Replicate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replica != nil {
		m.replica = m.primary.clone()
	}
}

func (m *mockIndex) failOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[method] = err
}

func (m *mockIndex) view(b Backend) *indexState {
	if b == Replica && m.replica != nil {
		return m.replica
	}
	return m.primary
}

func (m *mockIndex) injected(method string) error {
	return m.fail[method]
}

func (m *mockIndex) HasReplica() bool { return m.replica != nil }

func (m *mockIndex) CreateRecord(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CreateRecord"); err != nil {
		return err
	}
	if _, ok := m.primary.records[r.ID]; ok {
		return fmt.Errorf("duplicate record %s", r.ID)
	}
	m.primary.records[r.ID] = *r
	return nil
}

func (m *mockIndex) GetRecord(_ context.Context, b Backend, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("GetRecord"); err != nil {
		return nil, err
	}
	r, ok := m.view(b).records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *mockIndex) AdvanceCurrentVersion(_ context.Context, id uuid.UUID, from, to int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("AdvanceCurrentVersion"); err != nil {
		return err
	}
	r, ok := m.primary.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.CurrentVersion != from {
		return ErrVersionConflict
	}
	r.CurrentVersion = to
	m.primary.records[id] = r
	return nil
}

func (m *mockIndex) ListRecords(_ context.Context, b Backend, f RecordFilter, limit, offset int) ([]*Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.PatientID == nil && f.OrgID == nil && f.CreatedBy == nil {
		return nil, 0, ErrInvalidInput
	}
	var all []*Record
	for _, r := range m.view(b).records {
		r := r
		if f.PatientID != nil && r.PatientID != *f.PatientID {
			continue
		}
		if f.OrgID != nil && (r.OrgID == nil || *r.OrgID != *f.OrgID) {
			continue
		}
		if f.CreatedBy != nil && r.CreatedBy != *f.CreatedBy {
			continue
		}
		all = append(all, &r)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	return page(all, limit, offset), len(all), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (m *mockIndex) CreateVersion(_ context.Context, v *Version) error {
	if hook := m.beforeCreateVersion; hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CreateVersion"); err != nil {
		return err
	}
	if _, ok := m.primary.records[v.RecordID]; !ok {
		return fmt.Errorf("foreign key: record %s", v.RecordID)
	}
	if (v.VersionNumber == 1) != (v.PreviousVersionID == nil) {
		return fmt.Errorf("check constraint versions_chain_link")
	}
	for _, existing := range m.primary.versions {
		if existing.RecordID == v.RecordID && existing.VersionNumber == v.VersionNumber {
			return ErrVersionConflict
		}
	}
	m.primary.versions[v.ID] = *v
	return nil
}

func (m *mockIndex) GetVersion(_ context.Context, b Backend, recordID uuid.UUID, number int) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.view(b).versions {
		if v.RecordID == recordID && v.VersionNumber == number {
			return &v, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockIndex) GetVersionByID(_ context.Context, b Backend, id uuid.UUID) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.view(b).versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *mockIndex) GetLatestVersion(ctx context.Context, b Backend, recordID uuid.UUID) (*Version, error) {
	versions, err := m.ListVersions(ctx, b, recordID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions[0], nil
}

func (m *mockIndex) ListVersions(_ context.Context, b Backend, recordID uuid.UUID) ([]*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Version
	for _, v := range m.view(b).versions {
		v := v
		if v.RecordID == recordID {
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

func (m *mockIndex) UpdateAnchor(_ context.Context, versionID uuid.UUID, status AnchorStatus, txRef *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.primary.versions[versionID]
	if !ok {
		return false, ErrNotFound
	}
	if v.AnchorStatus != AnchorPending {
		return false, nil
	}
	v.AnchorStatus = status
	v.AnchorTxRef = txRef
	m.primary.versions[versionID] = v
	return true, nil
}

func (m *mockIndex) CreateFile(_ context.Context, f *File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CreateFile"); err != nil {
		return err
	}
	found := false
	for _, v := range m.primary.versions {
		if v.RecordID == f.RecordID && v.VersionNumber == f.VersionNumber {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("foreign key: version %d of %s", f.VersionNumber, f.RecordID)
	}
	m.primary.files[f.ID] = *f
	return nil
}

func (m *mockIndex) UpdateFileLocator(_ context.Context, fileID uuid.UUID, locator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("UpdateFileLocator"); err != nil {
		return err
	}
	f, ok := m.primary.files[fileID]
	if !ok {
		return ErrNotFound
	}
	f.StorageLocator = locator
	m.primary.files[fileID] = f
	return nil
}

func (m *mockIndex) ListFiles(_ context.Context, b Backend, recordID uuid.UUID, versionNumber *int) ([]*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*File
	for _, f := range m.view(b).files {
		f := f
		if f.RecordID != recordID {
			continue
		}
		if versionNumber != nil && f.VersionNumber != *versionNumber {
			continue
		}
		out = append(out, &f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

func (m *mockIndex) AppendAccessLog(_ context.Context, e *AccessLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("AppendAccessLog"); err != nil {
		return err
	}
	m.primary.log = append(m.primary.log, *e)
	return nil
}

func (m *mockIndex) ListAccessLog(_ context.Context, recordID uuid.UUID, limit, offset int) ([]*AccessLogEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AccessLogEntry
	for i := len(m.primary.log) - 1; i >= 0; i-- {
		e := m.primary.log[i]
		if e.RecordID == recordID {
			out = append(out, &e)
		}
	}
	return page(out, limit, offset), len(out), nil
}

func (m *mockIndex) versionCount(recordID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.primary.versions {
		if v.RecordID == recordID {
			n++
		}
	}
	return n
}

// -- Mock Subscription Repository --

type mockSubscriptionRepo struct {
	mu   sync.Mutex
	subs map[uuid.UUID]Subscription
}

func newMockSubscriptionRepo() *mockSubscriptionRepo {
	return &mockSubscriptionRepo{subs: make(map[uuid.UUID]Subscription)}
}

func (m *mockSubscriptionRepo) Create(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	m.subs[s.ID] = *s
	return nil
}

func (m *mockSubscriptionRepo) GetByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *mockSubscriptionRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Subscription, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, s := range m.subs {
		s := s
		if s.PatientID == patientID {
			out = append(out, &s)
		}
	}
	return page(out, limit, offset), len(out), nil
}

func (m *mockSubscriptionRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to SubscriptionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = to
	m.subs[id] = s
	return true, nil
}

// -- Mock Access Checker --

// mockChecker grants accessors in allow. A consent id in ref is reported
// with the grant.
type mockChecker struct {
	mu    sync.Mutex
	allow map[uuid.UUID]bool
	ref   string
	err   error
	calls int
	// asked records the recordID of each question; uuid.Nil is patient-wide
	asked []uuid.UUID
}

func (m *mockChecker) HasAccess(_ context.Context, _, accessorID, recordID uuid.UUID) (consent.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.asked = append(m.asked, recordID)
	if m.err != nil {
		return consent.Decision{}, m.err
	}
	if !m.allow[accessorID] {
		return consent.Decision{}, nil
	}
	return consent.Decision{Granted: true, ConsentID: m.ref}, nil
}

// -- Fixture --

type fixture struct {
	index     *mockIndex
	store     *contentstore.Memory
	publisher *events.Recorder
	checker   *mockChecker
	svc       *Service
	patient   uuid.UUID
	doctor    uuid.UUID
}

func newFixture(t *testing.T, withReplica bool) *fixture {
	t.Helper()
	f := &fixture{
		index:     newMockIndex(withReplica),
		store:     contentstore.NewMemory(),
		publisher: &events.Recorder{},
		checker:   &mockChecker{allow: map[uuid.UUID]bool{}},
		patient:   uuid.New(),
		doctor:    uuid.New(),
	}
	f.svc = NewService(Deps{
		Index:         f.index,
		Subscriptions: newMockSubscriptionRepo(),
		Store:         f.store,
		Publisher:     f.publisher,
		Checker:       f.checker,
		Logger:        zerolog.Nop(),
	})
	return f
}

func (f *fixture) create(t *testing.T, payload string) *CreateRecordResult {
	t.Helper()
	res, err := f.svc.Writer.CreateRecord(context.Background(), CreateRecordRequest{
		PatientID:      f.patient,
		CreatedBy:      f.doctor,
		Classification: ClassLab,
		Payload:        json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	return res
}

func (f *fixture) appendVersion(t *testing.T, recordID uuid.UUID, payload string) *AppendVersionResult {
	t.Helper()
	res, err := f.svc.Writer.AppendVersion(context.Background(), AppendVersionRequest{
		RecordID:  recordID,
		ChangedBy: f.doctor,
		Payload:   json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}
	return res
}

// replicate copies both backends' primaries onto their replicas.
func (f *fixture) replicate() {
	f.index.Replicate()
	f.store.Replicate()
}
