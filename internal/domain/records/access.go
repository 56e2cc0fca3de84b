package records

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/recordvault/internal/platform/consent"
)

// OwnerPolicy is the access checker used when no consent service is
// configured: only the patient and the creator may read.
type OwnerPolicy struct{}

func (OwnerPolicy) HasAccess(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) (consent.Decision, error) {
	return consent.Decision{}, nil
}

// AccessService gates every read of a record on ownership or consent. Payload
// reads are also verified against the version hash and logged.
type AccessService struct {
	index   Index
	router  *Router
	checker AccessChecker
	logger  zerolog.Logger
	now     func() time.Time
}

func NewAccessService(index Index, router *Router, checker AccessChecker, logger zerolog.Logger) *AccessService {
	if checker == nil {
		checker = OwnerPolicy{}
	}
	return &AccessService{
		index:   index,
		router:  router,
		checker: checker,
		logger:  logger.With().Str("component", "records.access").Logger(),
		now:     time.Now,
	}
}

// Access returns the payload with its verification outcome. A failed
// verification is reported, never enforced.
func (s *AccessService) Access(ctx context.Context, req AccessRequest) (res *AccessResult, err error) {
	ctx, span := tracer.Start(ctx, "records.Access")
	defer func() { endSpan(span, err) }()

	if req.RecordID == uuid.Nil || req.AccessorID == uuid.Nil {
		return nil, fmt.Errorf("%w: record_id and accessor_id are required", ErrInvalidInput)
	}
	if req.Action == "" {
		req.Action = ActionView
	}
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: invalid action: %s", ErrInvalidInput, req.Action)
	}
	span.SetAttributes(attribute.String("record.id", req.RecordID.String()))

	b := s.router.backend(req.PreferReplica)
	rec, err := s.index.GetRecord(ctx, b, req.RecordID)
	if err != nil {
		return nil, indexErr(err)
	}

	consentRef, err := s.authorize(ctx, req.AccessorID, rec.PatientID, rec)
	if err != nil {
		return nil, err
	}
	if req.ConsentRef != nil {
		consentRef = req.ConsentRef
	}

	// verification reads bypass any cache in front of the store
	p, err := s.router.payloadFor(ctx, b, rec, req.VersionNumber, req.PreferReplica, true)
	if err != nil {
		return nil, err
	}

	status := Verify(p.Version, p.Data)
	if status == VerifyFail {
		s.logger.Warn().
			Str("record_id", rec.ID.String()).
			Int("version_number", p.Version.VersionNumber).
			Msg("payload hash mismatch")
	}

	entry := &AccessLogEntry{
		ID:            uuid.New(),
		RecordID:      rec.ID,
		VersionNumber: p.Version.VersionNumber,
		AccessedBy:    req.AccessorID,
		Action:        req.Action,
		ConsentRef:    consentRef,
		VerifyStatus:  status,
		AccessedAt:    s.now().UTC(),
	}
	if req.IPAddress != "" {
		ip := req.IPAddress
		entry.IPAddress = &ip
	}
	if err := s.index.AppendAccessLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("append access log: %w", indexErr(err))
	}

	return &AccessResult{
		Record:       rec,
		Version:      p.Version,
		File:         p.File,
		Payload:      p.Data,
		VerifyStatus: status,
		LogEntry:     entry,
	}, nil
}

// authorize lets the patient and the record's creator through and asks the
// checker about anyone else. rec is nil for patient-wide questions. On a
// grant it returns the consent id the checker reported, if any.
func (s *AccessService) authorize(ctx context.Context, accessorID, patientID uuid.UUID, rec *Record) (*string, error) {
	if accessorID == uuid.Nil {
		return nil, fmt.Errorf("%w: reader identity required", ErrAccessDenied)
	}
	if accessorID == patientID || (rec != nil && accessorID == rec.CreatedBy) {
		return nil, nil
	}

	recordID := uuid.Nil
	target := "records of patient " + patientID.String()
	if rec != nil {
		recordID = rec.ID
		target = "record " + rec.ID.String()
	}
	d, err := s.checker.HasAccess(ctx, patientID, accessorID, recordID)
	if err != nil {
		s.logger.Warn().Err(err).Str("accessor_id", accessorID.String()).Str("target", target).
			Msg("consent check failed, denying")
	}
	if err != nil || !d.Granted {
		return nil, fmt.Errorf("%w: %s may not read %s", ErrAccessDenied, accessorID, target)
	}
	if d.ConsentID == "" {
		return nil, nil
	}
	return &d.ConsentID, nil
}

// ownedRecord loads the record ownership is decided on. Ownership never
// changes, so a record the replica has not caught up with is looked up on the
// primary.
func (s *AccessService) ownedRecord(ctx context.Context, b Backend, id uuid.UUID) (*Record, error) {
	rec, err := s.index.GetRecord(ctx, b, id)
	if err != nil && b == Replica && isNotFound(err) {
		rec, err = s.index.GetRecord(ctx, Primary, id)
	}
	if err != nil {
		return nil, indexErr(err)
	}
	return rec, nil
}

// Record is Router.GetRecord behind the access gate. A record the replica
// does not have yet is reported as nil, nil.
func (s *AccessService) Record(ctx context.Context, accessorID, id uuid.UUID, preferReplica bool) (*RecordView, error) {
	view, err := s.router.GetRecord(ctx, id, preferReplica)
	if err != nil || view == nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, accessorID, view.PatientID, &view.Record); err != nil {
		return nil, err
	}
	return view, nil
}

func (s *AccessService) Versions(ctx context.Context, accessorID, id uuid.UUID, preferReplica bool) ([]*Version, error) {
	rec, err := s.ownedRecord(ctx, s.router.backend(preferReplica), id)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, accessorID, rec.PatientID, rec); err != nil {
		return nil, err
	}
	return s.router.GetVersions(ctx, id, preferReplica)
}

func (s *AccessService) Files(ctx context.Context, accessorID, id uuid.UUID, versionNumber *int, preferReplica bool) ([]*File, error) {
	rec, err := s.ownedRecord(ctx, s.router.backend(preferReplica), id)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, accessorID, rec.PatientID, rec); err != nil {
		return nil, err
	}
	return s.router.GetFiles(ctx, id, versionNumber, preferReplica)
}

// PatientRecords lists a patient's records for the patient or for a reader
// holding a patient-wide consent.
func (s *AccessService) PatientRecords(ctx context.Context, accessorID, patientID uuid.UUID, limit, offset int, preferReplica bool) ([]*Record, int, error) {
	if _, err := s.authorize(ctx, accessorID, patientID, nil); err != nil {
		return nil, 0, err
	}
	return s.router.ListByPatient(ctx, patientID, limit, offset, preferReplica)
}

// AccessLog lists reads of a record, newest first.
func (s *AccessService) AccessLog(ctx context.Context, accessorID, recordID uuid.UUID, limit, offset int) ([]*AccessLogEntry, int, error) {
	rec, err := s.ownedRecord(ctx, Primary, recordID)
	if err != nil {
		return nil, 0, err
	}
	if _, err := s.authorize(ctx, accessorID, rec.PatientID, rec); err != nil {
		return nil, 0, err
	}
	items, total, err := s.index.ListAccessLog(ctx, recordID, limit, offset)
	if err != nil {
		return nil, 0, indexErr(err)
	}
	if items == nil {
		items = []*AccessLogEntry{}
	}
	return items, total, nil
}
