package records

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/platform/contentstore"
	"github.com/ehr/recordvault/internal/platform/events"
	"github.com/ehr/recordvault/internal/platform/hashing"
)

func TestCreateRecord(t *testing.T) {
	f := newFixture(t, false)
	res := f.create(t, `{"glucose": 5.4, "unit": "mmol/L"}`)

	if res.Record.CurrentVersion != 1 {
		t.Errorf("expected current_version 1, got %d", res.Record.CurrentVersion)
	}
	if res.Version.VersionNumber != 1 || res.Version.PreviousVersionID != nil {
		t.Errorf("unexpected first version: %+v", res.Version)
	}
	want, _ := hashing.Compute([]byte(`{"unit":"mmol/L","glucose":5.4}`))
	if res.Version.ContentHash != want {
		t.Errorf("expected hash %s, got %s", want, res.Version.ContentHash)
	}
	if res.File.ContentHash != res.Version.ContentHash {
		t.Error("file and version hash differ")
	}
	if res.File.StorageLocator != contentstore.Locator("memory", res.DocumentID) {
		t.Errorf("unexpected locator %q", res.File.StorageLocator)
	}
	if res.File.MimeType != DefaultMimeType {
		t.Errorf("expected default mime type, got %q", res.File.MimeType)
	}
	if res.File.Classification != ClassLab {
		t.Errorf("expected LAB, got %s", res.File.Classification)
	}

	doc, err := f.store.GetByID(context.Background(), res.DocumentID, false)
	if err != nil {
		t.Fatalf("document not stored: %v", err)
	}
	if hashing.Sum(doc.Payload) != res.Version.ContentHash {
		t.Error("stored document bytes do not hash to the version hash")
	}
	if int64(len(doc.Payload)) != res.File.SizeBytes {
		t.Errorf("size %d does not match stored payload length %d", res.File.SizeBytes, len(doc.Payload))
	}
	if doc.VersionID != res.Version.ID.String() || doc.FileID != res.File.ID.String() {
		t.Error("document does not reference its version and file")
	}

	evs := f.publisher.OfType(events.TypeVersionCreated)
	if len(evs) != 1 || evs[0].RecordID != res.Record.ID.String() {
		t.Errorf("expected one version_created event, got %d", len(evs))
	}
}

func TestCreateRecord_InvalidInput(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.Writer.CreateRecord(context.Background(), CreateRecordRequest{
		PatientID: f.patient,
		CreatedBy: f.doctor,
		Payload:   json.RawMessage(`{"a":`),
	})
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}
	if _, ok := FailedStep(err); ok {
		t.Error("validation failures happen before any step")
	}
	if len(f.index.primary.records) != 0 || f.store.Len() != 0 {
		t.Error("nothing must be written for invalid input")
	}
}

func TestAppendVersion(t *testing.T) {
	f := newFixture(t, false)
	created := f.create(t, `{"bp":"120/80"}`)

	v2 := f.appendVersion(t, created.Record.ID, `{"bp":"118/79"}`)
	v3 := f.appendVersion(t, created.Record.ID, `{"bp":"121/82"}`)

	if v2.Version.VersionNumber != 2 || v3.Version.VersionNumber != 3 {
		t.Fatalf("expected versions 2 and 3, got %d and %d", v2.Version.VersionNumber, v3.Version.VersionNumber)
	}
	if *v2.Version.PreviousVersionID != created.Version.ID || *v3.Version.PreviousVersionID != v2.Version.ID {
		t.Error("versions are not linked to their predecessors")
	}
	if v3.File.Classification != ClassLab {
		t.Errorf("classification should carry over from the previous file, got %s", v3.File.Classification)
	}

	rec, _ := f.index.GetRecord(context.Background(), Primary, created.Record.ID)
	if rec.CurrentVersion != 3 {
		t.Errorf("expected current_version 3, got %d", rec.CurrentVersion)
	}

	versions, _ := f.index.ListVersions(context.Background(), Primary, created.Record.ID)
	if err := CheckChain(versions); err != nil {
		t.Errorf("chain invalid: %v", err)
	}
	if n := len(f.publisher.OfType(events.TypeVersionCreated)); n != 3 {
		t.Errorf("expected 3 events, got %d", n)
	}
}

func TestAppendVersion_UnknownRecord(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.Writer.AppendVersion(context.Background(), AppendVersionRequest{
		RecordID:  uuid.New(),
		ChangedBy: f.doctor,
		Payload:   json.RawMessage(`{}`),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendVersion_ConcurrentConflict(t *testing.T) {
	f := newFixture(t, false)
	created := f.create(t, `{"v":1}`)

	// Hold both appends until each has read the same chain tip.
	var barrier sync.WaitGroup
	barrier.Add(2)
	f.index.beforeCreateVersion = func() {
		barrier.Done()
		barrier.Wait()
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Writer.AppendVersion(context.Background(), AppendVersionRequest{
				RecordID:  created.Record.ID,
				ChangedBy: f.doctor,
				Payload:   json.RawMessage(`{"v":2}`),
			})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrVersionConflict):
			conflicts++
			if !IsRetryable(err) {
				t.Error("version conflict must be retryable")
			}
			if step, _ := FailedStep(err); step != StepInsertVersion {
				t.Errorf("expected conflict at %s, got %s", StepInsertVersion, step)
			}
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got %d and %d", ok, conflicts)
	}

	rec, _ := f.index.GetRecord(context.Background(), Primary, created.Record.ID)
	if rec.CurrentVersion != 2 {
		t.Errorf("expected current_version 2, got %d", rec.CurrentVersion)
	}
	if n := f.index.versionCount(created.Record.ID); n != 2 {
		t.Errorf("expected 2 versions, got %d", n)
	}
}

func TestCoordinator_StepFailures(t *testing.T) {
	boom := errors.New("connection reset")

	tests := []struct {
		name      string
		method    string
		step      string
		sentinel  error
		orphan    bool
		advertise int
	}{
		{"version insert", "CreateVersion", StepInsertVersion, ErrIndexUnavailable, false, 1},
		{"file insert", "CreateFile", StepInsertFile, ErrIndexUnavailable, true, 1},
		{"locator patch", "UpdateFileLocator", StepPatchLocator, ErrIndexUnavailable, true, 1},
		{"current advance", "AdvanceCurrentVersion", StepAdvanceCurrent, ErrIndexUnavailable, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			created := f.create(t, `{"v":1}`)
			docsBefore := f.store.Len()
			f.index.failOn(tt.method, boom)

			_, err := f.svc.Writer.AppendVersion(context.Background(), AppendVersionRequest{
				RecordID:  created.Record.ID,
				ChangedBy: f.doctor,
				Payload:   json.RawMessage(`{"v":2}`),
			})
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("expected %v, got %v", tt.sentinel, err)
			}
			if step, _ := FailedStep(err); step != tt.step {
				t.Errorf("expected step %s, got %s", tt.step, step)
			}

			rec, _ := f.index.GetRecord(context.Background(), Primary, created.Record.ID)
			if rec.CurrentVersion != tt.advertise {
				t.Errorf("current_version moved to %d", rec.CurrentVersion)
			}
			wantVersions := 1
			if tt.orphan {
				wantVersions = 2
			}
			if n := f.index.versionCount(created.Record.ID); n != wantVersions {
				t.Errorf("expected %d versions, got %d", wantVersions, n)
			}
			if len(f.publisher.OfType(events.TypeVersionCreated)) != 1 {
				t.Error("failed writes must not publish")
			}
			if tt.method == "CreateFile" && f.store.Len() != docsBefore {
				t.Error("no document should be written when the file row fails")
			}
		})
	}
}

func TestCoordinator_ContentStoreDown(t *testing.T) {
	f := newFixture(t, false)
	created := f.create(t, `{"v":1}`)
	f.store.SetUnavailable(true)

	_, err := f.svc.Writer.AppendVersion(context.Background(), AppendVersionRequest{
		RecordID:  created.Record.ID,
		ChangedBy: f.doctor,
		Payload:   json.RawMessage(`{"v":2}`),
	})
	if !errors.Is(err, ErrContentStoreUnavailable) {
		t.Fatalf("expected ErrContentStoreUnavailable, got %v", err)
	}
	if step, _ := FailedStep(err); step != StepWriteDocument {
		t.Errorf("expected step %s, got %s", StepWriteDocument, step)
	}
	if !IsRetryable(err) {
		t.Error("content store outage must be retryable")
	}
}

func TestCoordinator_CreateRecordFailsFirstStep(t *testing.T) {
	f := newFixture(t, false)
	f.index.failOn("CreateRecord", errors.New("pool closed"))

	_, err := f.svc.Writer.CreateRecord(context.Background(), CreateRecordRequest{
		PatientID: f.patient,
		CreatedBy: f.doctor,
		Payload:   json.RawMessage(`{}`),
	})
	if step, _ := FailedStep(err); step != StepInsertRecord {
		t.Errorf("expected step %s, got %v", StepInsertRecord, err)
	}
	if f.store.Len() != 0 {
		t.Error("no document should be written")
	}
}

func TestCoordinator_CancelledContext(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Writer.CreateRecord(ctx, CreateRecordRequest{
		PatientID: f.patient,
		CreatedBy: f.doctor,
		Payload:   json.RawMessage(`{}`),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if step, _ := FailedStep(err); step != StepWriteDocument {
		t.Errorf("expected cancellation to surface at %s, got %s", StepWriteDocument, step)
	}
}

func TestAppendVersion_SkipsAbandonedVersion(t *testing.T) {
	f := newFixture(t, false)
	created := f.create(t, `{"v":1}`)

	f.index.failOn("AdvanceCurrentVersion", errors.New("timeout"))
	if _, err := f.svc.Writer.AppendVersion(context.Background(), AppendVersionRequest{
		RecordID: created.Record.ID, ChangedBy: f.doctor, Payload: json.RawMessage(`{"v":2}`),
	}); err == nil {
		t.Fatal("expected the first append to fail")
	}
	f.index.failOn("AdvanceCurrentVersion", nil)

	// right away the unfinished version may still be in flight
	_, err := f.svc.Writer.AppendVersion(context.Background(), AppendVersionRequest{
		RecordID: created.Record.ID, ChangedBy: f.doctor, Payload: json.RawMessage(`{"v":3}`),
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected a conflict while version 2 is recent, got %v", err)
	}
	if step, _ := FailedStep(err); step != StepInsertVersion {
		t.Errorf("expected conflict at %s, got %s", StepInsertVersion, step)
	}

	later := time.Now().Add(DefaultAbandonAfter + time.Minute)
	f.svc.Writer.now = func() time.Time { return later }

	res := f.appendVersion(t, created.Record.ID, `{"v":3}`)
	if res.Version.VersionNumber != 3 {
		t.Fatalf("expected the retry to take version 3, got %d", res.Version.VersionNumber)
	}
	orphan, err := f.index.GetVersion(context.Background(), Primary, created.Record.ID, 2)
	if err != nil {
		t.Fatalf("orphan missing: %v", err)
	}
	if *res.Version.PreviousVersionID != orphan.ID {
		t.Error("new version must link through the orphan")
	}
	if orphan.AnchorStatus != AnchorPending {
		t.Errorf("orphan should stay PENDING, got %s", orphan.AnchorStatus)
	}

	rec, _ := f.index.GetRecord(context.Background(), Primary, created.Record.ID)
	if rec.CurrentVersion != 3 {
		t.Errorf("expected current_version 3, got %d", rec.CurrentVersion)
	}
	versions, _ := f.index.ListVersions(context.Background(), Primary, created.Record.ID)
	if err := CheckChain(versions); err != nil {
		t.Errorf("chain invalid: %v", err)
	}
}

// gatedStore holds the next Create until release is closed.
type gatedStore struct {
	*contentstore.Memory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Create(ctx context.Context, doc *contentstore.Document) (string, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Memory.Create(ctx, doc)
}

func TestAppendVersion_SlowAppendIsNotSkipped(t *testing.T) {
	f := newFixture(t, false)
	created := f.create(t, `{"v":1}`)

	store := &gatedStore{Memory: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(Deps{Index: f.index, Store: store, Publisher: f.publisher, Logger: zerolog.Nop()})

	slow := make(chan error, 1)
	go func() {
		_, err := svc.Writer.AppendVersion(context.Background(), AppendVersionRequest{
			RecordID: created.Record.ID, ChangedBy: f.doctor, Payload: json.RawMessage(`{"v":"slow"}`),
		})
		slow <- err
	}()
	<-store.entered

	// version 2 is written but its content is not; a second writer must back off
	_, err := svc.Writer.AppendVersion(context.Background(), AppendVersionRequest{
		RecordID: created.Record.ID, ChangedBy: f.doctor, Payload: json.RawMessage(`{"v":"fast"}`),
	})
	if !errors.Is(err, ErrVersionConflict) || !IsRetryable(err) {
		t.Fatalf("expected a retryable conflict, got %v", err)
	}
	if step, _ := FailedStep(err); step != StepInsertVersion {
		t.Errorf("expected conflict at %s, got %s", StepInsertVersion, step)
	}

	close(store.release)
	if err := <-slow; err != nil {
		t.Fatalf("slow append must succeed: %v", err)
	}

	rec, _ := f.index.GetRecord(context.Background(), Primary, created.Record.ID)
	if rec.CurrentVersion != 2 {
		t.Errorf("expected current_version 2, got %d", rec.CurrentVersion)
	}
	if n := f.index.versionCount(created.Record.ID); n != 2 {
		t.Errorf("expected 2 versions, got %d", n)
	}
	if n := f.store.Len(); n != 2 {
		t.Errorf("expected 2 documents, got %d", n)
	}
}

func TestService_AbandonAfterOverride(t *testing.T) {
	svc := NewService(Deps{Index: newMockIndex(false), Store: contentstore.NewMemory(), AbandonAfter: 5 * time.Minute})
	if svc.Writer.abandonAfter != 5*time.Minute {
		t.Errorf("expected override, got %s", svc.Writer.abandonAfter)
	}
	if d := NewService(Deps{Index: newMockIndex(false), Store: contentstore.NewMemory()}); d.Writer.abandonAfter != DefaultAbandonAfter {
		t.Errorf("expected default, got %s", d.Writer.abandonAfter)
	}
}

func TestCoordinator_PublishFailureIgnored(t *testing.T) {
	f := newFixture(t, false)
	f.publisher.Err = errors.New("redis down")

	res := f.create(t, `{"ok":true}`)
	if res.Record == nil {
		t.Fatal("create must succeed when publishing fails")
	}
}
